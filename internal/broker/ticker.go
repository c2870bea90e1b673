// Package broker connects the terminal to market data and execution services:
// the Kite ticker, a JSON feed gateway, the terminal backend REST API and the
// Kite quote and margin endpoints.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/feed"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// Kite packet modes as reported in Tick.Mode.
const (
	kiteModeQuote = "quote"
	kiteModeFull  = "full"
)

// KiteTransport is a feed.Transport over the Kite Connect ticker websocket.
// Reconnects are driven by feed.Connection, so the ticker's own
// auto-reconnect is disabled and each Connect builds a fresh ticker.
type KiteTransport struct {
	apiKey      string
	accessToken string
	logger      zerolog.Logger

	ticker    *kiteticker.Ticker
	connected bool
	closed    bool

	onTick       func(models.TickRecord)
	onDisconnect func(error)

	keyTokens map[string]uint32
	tokenKeys map[uint32]string

	mu      sync.RWMutex
	writeMu sync.Mutex // serialises websocket writes (Subscribe, SetMode)
}

var _ feed.Transport = (*KiteTransport)(nil)

// NewKiteTransport creates a transport for the given credentials.
func NewKiteTransport(apiKey, accessToken string, logger zerolog.Logger) *KiteTransport {
	return &KiteTransport{
		apiKey:      apiKey,
		accessToken: accessToken,
		logger:      logging.WithComponent(logger, "kite-ticker"),
		keyTokens:   make(map[string]uint32),
		tokenKeys:   make(map[uint32]string),
	}
}

// Connect dials the ticker and blocks until it is connected, fails or ctx ends.
func (t *KiteTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.ErrClosed
	}
	old, oldConnected := t.ticker, t.connected
	t.ticker, t.connected = nil, false
	t.mu.Unlock()
	if old != nil && oldConnected {
		old.Close()
	}

	ticker := kiteticker.New(t.apiKey, t.accessToken)
	ticker.SetAutoReconnect(false)

	var dialed atomic.Bool
	connectedCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	ticker.OnConnect(func() {
		dialed.Store(true)
		t.mu.Lock()
		current := t.ticker == ticker
		if current {
			t.connected = true
		}
		t.mu.Unlock()

		if !current {
			// abandoned by a timed-out Connect or by Close
			ticker.Close()
			return
		}
		select {
		case connectedCh <- struct{}{}:
		default:
		}
	})

	ticker.OnError(func(err error) {
		t.logger.Debug().Err(err).Msg("Ticker error")
		select {
		case errCh <- err:
		default:
		}
	})

	ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		wasConnected := t.connected && t.ticker == ticker
		if wasConnected {
			t.connected = false
		}
		handler := t.onDisconnect
		t.mu.Unlock()

		if wasConnected && handler != nil {
			handler(apperrors.NewTransportError("ticker", "kite", fmt.Errorf("closed %d: %s", code, reason)))
		}
	})

	ticker.OnTick(func(tick kitemodels.Tick) {
		t.mu.RLock()
		key, ok := t.tokenKeys[tick.InstrumentToken]
		handler := t.onTick
		t.mu.RUnlock()
		if ok && handler != nil {
			handler(convertTick(key, tick))
		}
	})

	t.mu.Lock()
	t.ticker = ticker
	t.mu.Unlock()

	go ticker.Serve()

	select {
	case <-connectedCh:
		return nil
	case err := <-errCh:
		t.abandon(ticker, &dialed)
		return apperrors.NewTransportError("connect", "kite", err)
	case <-ctx.Done():
		t.abandon(ticker, &dialed)
		return apperrors.NewTransportError("connect", "kite", ctx.Err())
	}
}

// abandon forgets a ticker whose Connect failed. Its socket is only closed
// once it exists; a late OnConnect closes it otherwise.
func (t *KiteTransport) abandon(ticker *kiteticker.Ticker, dialed *atomic.Bool) {
	t.mu.Lock()
	if t.ticker == ticker {
		t.ticker, t.connected = nil, false
	}
	t.mu.Unlock()
	if dialed.Load() {
		ticker.Close()
	}
}

// Subscribe subscribes keys at mode. Keys whose security id is not a numeric
// instrument token and was never registered are skipped.
func (t *KiteTransport) Subscribe(keys []string, mode models.Mode) error {
	ticker, tokens, err := t.tokensFor(keys, true)
	if err != nil || len(tokens) == 0 {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ticker.Subscribe(tokens); err != nil {
		return apperrors.NewTransportError("subscribe", "kite", err)
	}
	if err := ticker.SetMode(kiteMode(mode), tokens); err != nil {
		return apperrors.NewTransportError("set_mode", "kite", err)
	}
	return nil
}

// Unsubscribe removes keys from the ticker.
func (t *KiteTransport) Unsubscribe(keys []string) error {
	ticker, tokens, err := t.tokensFor(keys, false)
	if err != nil || len(tokens) == 0 {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ticker.Unsubscribe(tokens); err != nil {
		return apperrors.NewTransportError("unsubscribe", "kite", err)
	}
	return nil
}

func (t *KiteTransport) tokensFor(keys []string, register bool) (*kiteticker.Ticker, []uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.ticker == nil {
		return nil, nil, apperrors.ErrNotConnected
	}

	tokens := make([]uint32, 0, len(keys))
	for _, key := range keys {
		token, ok := t.keyTokens[key]
		if !ok {
			token, ok = parseToken(key)
			if !ok {
				t.logger.Warn().Str("instrument", key).Msg("No instrument token for key, skipping")
				continue
			}
			if register {
				t.keyTokens[key] = token
				t.tokenKeys[token] = key
			}
		}
		tokens = append(tokens, token)
	}
	return t.ticker, tokens, nil
}

// RegisterInstrument maps a key whose security id is symbolic to its token.
func (t *KiteTransport) RegisterInstrument(key string, token uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keyTokens[key] = token
	t.tokenKeys[token] = key
}

// OnTick sets the tick handler.
func (t *KiteTransport) OnTick(handler func(models.TickRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnDisconnect sets the handler called when an established connection drops.
func (t *KiteTransport) OnDisconnect(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = handler
}

// Close shuts the ticker down for good.
func (t *KiteTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	ticker, connected := t.ticker, t.connected
	t.ticker, t.connected = nil, false
	t.mu.Unlock()

	if ticker != nil && connected {
		ticker.Close()
	}
	return nil
}

// IsConnected returns whether the ticker is connected.
func (t *KiteTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func kiteMode(m models.Mode) kiteticker.Mode {
	switch m {
	case models.ModeTicker:
		return kiteticker.ModeLTP
	case models.ModeFull:
		return kiteticker.ModeFull
	default:
		return kiteticker.ModeQuote
	}
}

func parseToken(key string) (uint32, bool) {
	_, id, ok := models.SplitInstrumentKey(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// convertTick builds a partial record holding only the fields the packet
// mode carries, so an LTP packet never clears quote fields in the cache.
func convertTick(key string, tick kitemodels.Tick) models.TickRecord {
	b := models.NewTick(key).LTP(tick.LastPrice)

	if tick.Mode == kiteModeQuote || tick.Mode == kiteModeFull {
		b.OHLC(tick.OHLC.Open, tick.OHLC.High, tick.OHLC.Low, tick.OHLC.Close).
			Volume(int64(tick.VolumeTraded)).
			NetChange(tick.NetChange)
	}

	if tick.Mode == kiteModeFull {
		var d models.Depth
		for i := 0; i < models.DepthLevels && i < len(tick.Depth.Buy); i++ {
			item := tick.Depth.Buy[i]
			d.Buy[i] = models.DepthItem{Price: item.Price, Quantity: int64(item.Quantity), Orders: int64(item.Orders)}
		}
		for i := 0; i < models.DepthLevels && i < len(tick.Depth.Sell); i++ {
			item := tick.Depth.Sell[i]
			d.Sell[i] = models.DepthItem{Price: item.Price, Quantity: int64(item.Quantity), Orders: int64(item.Orders)}
		}
		b.Depth(d).
			OpenInterest(int64(tick.OI)).
			LastTradeTime(tick.LastTradeTime.Time)
	}

	return b.Build()
}
