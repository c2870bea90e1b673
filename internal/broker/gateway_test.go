package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

// fakeGateway accepts one socket at a time and records control frames.
type fakeGateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []gatewayRequest
	auth     string

	connected chan struct{}
	received  chan gatewayRequest
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		connected: make(chan struct{}, 4),
		received:  make(chan gatewayRequest, 16),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conn = conn
	g.auth = r.Header.Get("Authorization")
	g.mu.Unlock()
	g.connected <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req gatewayRequest
		if wire.Unmarshal(data, &req) == nil {
			g.mu.Lock()
			g.requests = append(g.requests, req)
			g.mu.Unlock()
			g.received <- req
		}
	}
}

func (g *fakeGateway) send(t *testing.T, frame string) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NoError(t, g.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (g *fakeGateway) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn.Close()
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func connectGateway(t *testing.T, g *fakeGateway) *GatewayTransport {
	t.Helper()
	tr := NewGatewayTransport(GatewayConfig{URL: g.url(), Token: "tok"}, zerolog.Nop())
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, g.connected)
	return tr
}

func TestGatewayTransport_SubscribeFrames(t *testing.T) {
	g := newFakeGateway(t)
	tr := connectGateway(t, g)
	assert.True(t, tr.IsConnected())

	require.NoError(t, tr.Subscribe([]string{"NSE:1", "NSE:2"}, models.ModeFull))
	req := waitFor(t, g.received)
	assert.Equal(t, gatewayRequest{Action: "subscribe", Instruments: []string{"NSE:1", "NSE:2"}, Mode: "full"}, req)

	require.NoError(t, tr.Unsubscribe([]string{"NSE:2"}))
	req = waitFor(t, g.received)
	assert.Equal(t, "unsubscribe", req.Action)
	assert.Equal(t, []string{"NSE:2"}, req.Instruments)

	// empty calls never reach the wire
	require.NoError(t, tr.Subscribe(nil, models.ModeQuote))

	g.mu.Lock()
	assert.Equal(t, "Bearer tok", g.auth)
	assert.Len(t, g.requests, 2)
	g.mu.Unlock()
}

func TestGatewayTransport_PartialTicks(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewGatewayTransport(GatewayConfig{URL: g.url()}, zerolog.Nop())
	t.Cleanup(func() { tr.Close() })

	ticks := make(chan models.TickRecord, 8)
	tr.OnTick(func(r models.TickRecord) { ticks <- r })
	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, g.connected)

	g.send(t, `{"type":"tick","ticks":[
		{"instrument":"NSE:1","ltp":101.5},
		{"instrument":"NSE:2","ltp":50,"close":48,"volume":900,"bid":49.9,"ask":50.1}
	]}`)
	g.send(t, `{"type":"heartbeat"}`)
	g.send(t, `not json`)
	g.send(t, `{"type":"tick","ticks":[{"instrument":"NSE:3","depth":{"buy":[{"price":10,"quantity":5,"orders":1}],"sell":[{"price":10.5,"quantity":7,"orders":2}]}}]}`)

	first := waitFor(t, ticks)
	assert.Equal(t, "NSE:1", first.InstrumentKey)
	assert.Equal(t, models.FieldLTP, first.Set)

	second := waitFor(t, ticks)
	assert.True(t, second.Has(models.FieldLTP|models.FieldClose|models.FieldVolume|models.FieldBestBid|models.FieldBestAsk))
	assert.False(t, second.Has(models.FieldOpen))
	assert.Equal(t, 49.9, second.BestBid)

	third := waitFor(t, ticks)
	assert.True(t, third.Has(models.FieldDepth|models.FieldBestBid|models.FieldBestAsk))
	assert.False(t, third.Has(models.FieldLTP))
	assert.Equal(t, 10.5, third.BestAsk)
	assert.Equal(t, int64(7), third.Depth.Sell[0].Quantity)
}

func TestGatewayTransport_DisconnectReported(t *testing.T) {
	g := newFakeGateway(t)
	tr := connectGateway(t, g)

	lost := make(chan error, 1)
	tr.OnDisconnect(func(err error) { lost <- err })

	g.drop()
	err := waitFor(t, lost)
	assert.True(t, apperrors.IsTransport(err))
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Subscribe([]string{"NSE:1"}, models.ModeTicker), apperrors.ErrNotConnected)

	// reattach on the same transport
	require.NoError(t, tr.Connect(context.Background()))
	waitFor(t, g.connected)
	assert.True(t, tr.IsConnected())
}

func TestGatewayTransport_CloseIsSilent(t *testing.T) {
	g := newFakeGateway(t)
	tr := connectGateway(t, g)

	lost := make(chan error, 1)
	tr.OnDisconnect(func(err error) { lost <- err })
	require.NoError(t, tr.Close())

	select {
	case err := <-lost:
		t.Fatalf("unexpected disconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.ErrorIs(t, tr.Connect(context.Background()), apperrors.ErrClosed)
}

func TestGatewayTransport_DialFailure(t *testing.T) {
	tr := NewGatewayTransport(GatewayConfig{URL: "ws://127.0.0.1:1/feed"}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := tr.Connect(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
}
