// Package stream fans order-changed notifications out to dependent views.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// AllOrders subscribes to every order's events.
const AllOrders = ""

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of drops for one subscriber before logging.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:                256,
		SubscriberBufferSize:      32,
		SlowConsumerDropThreshold: 10,
	}
}

// Hub distributes order events published by the mutation coordinator.
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Hub struct {
	config      HubConfig
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	events      chan models.OrderEvent
	done        chan struct{}
	started     bool
	stopped     bool
	consumers   []*consumerQueue
	consumersMu sync.RWMutex

	metricsMu       sync.RWMutex
	eventsReceived  uint64
	eventsDelivered uint64
	eventsDropped   uint64
}

// Subscriber is one channel subscription.
type Subscriber struct {
	ID           string
	Channel      chan models.OrderEvent
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a hub with the default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a hub with a custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	return &Hub{
		config:      config,
		logger:      logging.WithComponent(logger, "stream"),
		subscribers: make(map[string][]*Subscriber),
		events:      make(chan models.OrderEvent, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.stopped {
		return
	}
	h.started = true
	go h.loop(ctx)
}

func (h *Hub) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.events:
			h.metricsMu.Lock()
			h.eventsReceived++
			h.metricsMu.Unlock()

			h.broadcast(ev)
			h.notifyConsumers(ev)
		}
	}
}

// Stop ends the loop and closes every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	close(h.done)
	h.started = false
	h.stopped = true

	for topic, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, topic)
	}

	h.consumersMu.Lock()
	for _, q := range h.consumers {
		close(q.events)
	}
	h.consumers = nil
	h.consumersMu.Unlock()
}

// Subscribe returns a channel receiving events for orderID, or for every
// order when orderID is AllOrders.
func (h *Hub) Subscribe(orderID string) <-chan models.OrderEvent {
	return h.SubscribeWithID(orderID, "")
}

// SubscribeWithID subscribes with a caller-chosen name used in logs.
func (h *Hub) SubscribeWithID(orderID, id string) <-chan models.OrderEvent {
	ch := make(chan models.OrderEvent, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:        id,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[orderID] = append(h.subscribers[orderID], sub)
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (h *Hub) Unsubscribe(orderID string, ch <-chan models.OrderEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[orderID]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[orderID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[orderID]) == 0 {
		delete(h.subscribers, orderID)
	}
}

// Publish queues an event for distribution. If the internal buffer is full
// the event is dropped.
func (h *Hub) Publish(ev models.OrderEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.metricsMu.Lock()
		h.eventsDropped++
		h.metricsMu.Unlock()
		h.logger.Warn().Str("order_id", ev.OrderID).Msg("Order event dropped, hub buffer full")
	}
}

// OrderChanged publishes a notification for o after action.
func (h *Hub) OrderChanged(action string, o models.Order) {
	h.Publish(models.OrderEvent{
		OrderID: o.ID,
		Action:  action,
		Status:  o.Status,
		Order:   o,
	})
}

// broadcast holds the read lock while sending so Stop and Unsubscribe
// cannot close a channel mid-send. Sends never block.
func (h *Hub) broadcast(ev models.OrderEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*Subscriber, 0, len(h.subscribers[ev.OrderID])+len(h.subscribers[AllOrders]))
	targets = append(targets, h.subscribers[ev.OrderID]...)
	if ev.OrderID != AllOrders {
		targets = append(targets, h.subscribers[AllOrders]...)
	}

	for _, sub := range targets {
		select {
		case sub.Channel <- ev:
			h.metricsMu.Lock()
			h.eventsDelivered++
			h.metricsMu.Unlock()
		default:
			h.metricsMu.Lock()
			sub.DroppedCount++
			h.eventsDropped++
			dropped := sub.DroppedCount
			h.metricsMu.Unlock()
			if h.config.SlowConsumerDropThreshold > 0 && dropped%h.config.SlowConsumerDropThreshold == 0 {
				h.logger.Warn().Str("subscriber", sub.ID).Int("dropped", dropped).Msg("Slow order event consumer")
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for orderID.
func (h *Hub) SubscriberCount(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[orderID])
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.metricsMu.RLock()
	m := HubMetrics{
		EventsReceived:  h.eventsReceived,
		EventsDelivered: h.eventsDelivered,
		EventsDropped:   h.eventsDropped,
	}
	h.metricsMu.RUnlock()

	h.mu.RLock()
	for _, subs := range h.subscribers {
		m.Subscribers += len(subs)
	}
	h.mu.RUnlock()
	return m
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	EventsReceived  uint64
	EventsDelivered uint64
	EventsDropped   uint64
	Subscribers     int
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Consumer processes order events by callback.
type Consumer interface {
	OnOrderEvent(ev models.OrderEvent)
	// OrderIDs filters the events delivered. Empty means all.
	OrderIDs() []string
}

// consumerQueue delivers events to one consumer from a single goroutine,
// in the order the hub received them.
type consumerQueue struct {
	consumer Consumer
	events   chan models.OrderEvent
	dropped  int
}

func (q *consumerQueue) run() {
	for ev := range q.events {
		q.consumer.OnOrderEvent(ev)
	}
}

// RegisterConsumer adds a callback consumer. Its callbacks run one at a
// time, never concurrently with each other.
func (h *Hub) RegisterConsumer(c Consumer) {
	q := &consumerQueue{
		consumer: c,
		events:   make(chan models.OrderEvent, h.config.SubscriberBufferSize),
	}
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, q)
	h.consumersMu.Unlock()
	go q.run()
}

// UnregisterConsumer removes a consumer. Events already queued for it are
// still delivered.
func (h *Hub) UnregisterConsumer(c Consumer) {
	h.consumersMu.Lock()
	defer h.consumersMu.Unlock()
	for i, q := range h.consumers {
		if q.consumer == c {
			close(q.events)
			h.consumers = append(h.consumers[:i], h.consumers[i+1:]...)
			break
		}
	}
}

// notifyConsumers queues ev for each matching consumer. The read lock is
// held across the sends so a queue is never closed mid-send.
func (h *Hub) notifyConsumers(ev models.OrderEvent) {
	h.consumersMu.RLock()
	defer h.consumersMu.RUnlock()

	for _, q := range h.consumers {
		ids := q.consumer.OrderIDs()
		if len(ids) != 0 && !contains(ids, ev.OrderID) {
			continue
		}
		select {
		case q.events <- ev:
		default:
			h.metricsMu.Lock()
			q.dropped++
			h.eventsDropped++
			dropped := q.dropped
			h.metricsMu.Unlock()
			if h.config.SlowConsumerDropThreshold > 0 && dropped%h.config.SlowConsumerDropThreshold == 0 {
				h.logger.Warn().Int("dropped", dropped).Msg("Slow order event callback")
			}
		}
	}
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ids []string
	fn  func(models.OrderEvent)
}

// NewConsumerFunc creates a ConsumerFunc.
func NewConsumerFunc(orderIDs []string, fn func(models.OrderEvent)) *ConsumerFunc {
	return &ConsumerFunc{ids: orderIDs, fn: fn}
}

// OnOrderEvent implements Consumer.
func (c *ConsumerFunc) OnOrderEvent(ev models.OrderEvent) {
	if c.fn != nil {
		c.fn(ev)
	}
}

// OrderIDs implements Consumer.
func (c *ConsumerFunc) OrderIDs() []string {
	return c.ids
}
