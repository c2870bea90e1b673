package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite-terminal/internal/models"
)

// Feature: order notifications, Property: every fast subscriber receives every event
func TestProperty_AllSubscribersReceiveEvents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("all subscribers of an order receive its events", prop.ForAll(
		func(subscriberCount, eventCount int) bool {
			hub := NewHubWithConfig(HubConfig{BufferSize: 100, SubscriberBufferSize: 100}, zerolog.Nop())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)
			defer hub.Stop()

			channels := make([]<-chan models.OrderEvent, subscriberCount)
			for i := range channels {
				channels[i] = hub.Subscribe("ord-1")
			}

			for i := 0; i < eventCount; i++ {
				hub.Publish(models.OrderEvent{OrderID: "ord-1", Action: fmt.Sprintf("adjust-%d", i)})
			}

			var wg sync.WaitGroup
			var ok int64
			for _, ch := range channels {
				wg.Add(1)
				go func(ch <-chan models.OrderEvent) {
					defer wg.Done()
					timeout := time.After(2 * time.Second)
					for n := 0; n < eventCount; n++ {
						select {
						case <-ch:
						case <-timeout:
							return
						}
					}
					atomic.AddInt64(&ok, 1)
				}(ch)
			}
			wg.Wait()
			return atomic.LoadInt64(&ok) == int64(subscriberCount)
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	hub := NewHubWithConfig(HubConfig{BufferSize: 100, SubscriberBufferSize: 2, SlowConsumerDropThreshold: 1}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	fast := hub.Subscribe(AllOrders)
	_ = hub.Subscribe(AllOrders) // never read

	var received int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		timeout := time.After(2 * time.Second)
		for atomic.LoadInt64(&received) < 10 {
			select {
			case <-fast:
				atomic.AddInt64(&received, 1)
			case <-timeout:
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		hub.Publish(models.OrderEvent{OrderID: fmt.Sprintf("ord-%d", i)})
		time.Sleep(time.Millisecond)
	}
	<-done

	assert.Equal(t, int64(10), atomic.LoadInt64(&received))
	assert.Greater(t, hub.Metrics().EventsDropped, uint64(0))
}

func TestOrderFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	one := hub.Subscribe("ord-1")
	all := hub.Subscribe(AllOrders)

	hub.OrderChanged("exit", models.Order{ID: "ord-2", Status: models.StatusClosed})
	hub.OrderChanged("adjust", models.Order{ID: "ord-1", Status: models.StatusOpen})

	ev := <-all
	assert.Equal(t, "ord-2", ev.OrderID)
	assert.Equal(t, models.StatusClosed, ev.Status)
	assert.False(t, ev.At.IsZero())

	ev = <-one
	assert.Equal(t, "ord-1", ev.OrderID)
	assert.Equal(t, "adjust", ev.Action)
}

func TestConsumerAndUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	got := make(chan models.OrderEvent, 1)
	c := NewConsumerFunc([]string{"ord-9"}, func(ev models.OrderEvent) { got <- ev })
	hub.RegisterConsumer(c)

	hub.Publish(models.OrderEvent{OrderID: "ord-1"})
	hub.Publish(models.OrderEvent{OrderID: "ord-9", Action: "reopen"})

	select {
	case ev := <-got:
		assert.Equal(t, "ord-9", ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("consumer not notified")
	}
	hub.UnregisterConsumer(c)

	ch := hub.Subscribe("ord-1")
	require.Equal(t, 1, hub.SubscriberCount("ord-1"))
	hub.Unsubscribe("ord-1", ch)
	assert.Equal(t, 0, hub.SubscriberCount("ord-1"))
	_, open := <-ch
	assert.False(t, open)

	hub.Stop()
	assert.False(t, hub.IsStarted())
	hub.Start(ctx)
	assert.False(t, hub.IsStarted())
}

func TestConsumerSeesEventsInOrder(t *testing.T) {
	hub := NewHubWithConfig(HubConfig{BufferSize: 256, SubscriberBufferSize: 256}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	var (
		mu       sync.Mutex
		seen     []string
		inFlight int32
		overlap  atomic.Bool
	)
	c := NewConsumerFunc(nil, func(ev models.OrderEvent) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, ev.OrderID)
		mu.Unlock()
		atomic.AddInt32(&inFlight, -1)
	})
	hub.RegisterConsumer(c)

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish(models.OrderEvent{OrderID: fmt.Sprintf("ord-%02d", i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, overlap.Load())
	for i, id := range seen {
		assert.Equal(t, fmt.Sprintf("ord-%02d", i), id)
	}
}
