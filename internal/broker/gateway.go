package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/feed"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// Gateway frame types.
const (
	frameTick  = "tick"
	frameError = "error"
)

// gatewayRequest is a subscription control frame.
type gatewayRequest struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
	Mode        string   `json:"mode,omitempty"`
}

// gatewayFrame is a server frame. Tick frames carry one or more partial ticks.
type gatewayFrame struct {
	Type    string        `json:"type"`
	Ticks   []gatewayTick `json:"ticks,omitempty"`
	Message string        `json:"message,omitempty"`
}

// gatewayTick carries only the fields the server sent; absent fields stay nil.
type gatewayTick struct {
	Instrument    string        `json:"instrument"`
	LTP           *float64      `json:"ltp,omitempty"`
	Open          *float64      `json:"open,omitempty"`
	High          *float64      `json:"high,omitempty"`
	Low           *float64      `json:"low,omitempty"`
	Close         *float64      `json:"close,omitempty"`
	Volume        *int64        `json:"volume,omitempty"`
	OpenInterest  *int64        `json:"oi,omitempty"`
	BestBid       *float64      `json:"bid,omitempty"`
	BestAsk       *float64      `json:"ask,omitempty"`
	Depth         *models.Depth `json:"depth,omitempty"`
	PercentChange *float64      `json:"percent_change,omitempty"`
	NetChange     *float64      `json:"net_change,omitempty"`
	LastTradeTime *time.Time    `json:"last_trade_time,omitempty"`
}

func (g gatewayTick) record() models.TickRecord {
	b := models.NewTick(g.Instrument)
	if g.LTP != nil {
		b.LTP(*g.LTP)
	}
	if g.Open != nil {
		b.Open(*g.Open)
	}
	if g.High != nil {
		b.High(*g.High)
	}
	if g.Low != nil {
		b.Low(*g.Low)
	}
	if g.Close != nil {
		b.Close(*g.Close)
	}
	if g.Volume != nil {
		b.Volume(*g.Volume)
	}
	if g.OpenInterest != nil {
		b.OpenInterest(*g.OpenInterest)
	}
	if g.Depth != nil {
		b.Depth(*g.Depth)
	}
	// explicit quotes win over the top of book
	if g.BestBid != nil || g.BestAsk != nil {
		rec := b.Build()
		bid, ask := rec.BestBid, rec.BestAsk
		if g.BestBid != nil {
			bid = *g.BestBid
		}
		if g.BestAsk != nil {
			ask = *g.BestAsk
		}
		b.BidAsk(bid, ask)
	}
	if g.PercentChange != nil {
		b.PercentChange(*g.PercentChange)
	}
	if g.NetChange != nil {
		b.NetChange(*g.NetChange)
	}
	if g.LastTradeTime != nil {
		b.LastTradeTime(*g.LastTradeTime)
	}
	return b.Build()
}

// GatewayConfig holds gateway connection settings.
type GatewayConfig struct {
	URL          string
	Token        string
	WriteTimeout time.Duration
}

// GatewayTransport is a feed.Transport over a JSON websocket feed gateway.
type GatewayTransport struct {
	cfg    GatewayConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	conn   *websocket.Conn
	closed bool

	onTick       func(models.TickRecord)
	onDisconnect func(error)

	mu      sync.RWMutex
	writeMu sync.Mutex
}

var _ feed.Transport = (*GatewayTransport)(nil)

// NewGatewayTransport creates a gateway transport. A zero write timeout
// means 5 seconds.
func NewGatewayTransport(cfg GatewayConfig, logger zerolog.Logger) *GatewayTransport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &GatewayTransport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logging.WithComponent(logger, "gateway"),
	}
}

// Connect dials the gateway and starts the read loop.
func (t *GatewayTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.ErrClosed
	}
	old := t.conn
	t.conn = nil
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return apperrors.NewTransportError("connect", t.cfg.URL, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return apperrors.ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info().Str("url", t.cfg.URL).Msg("Gateway connected")
	go t.readLoop(conn)
	return nil
}

func (t *GatewayTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.dropped(conn, err)
			return
		}

		var frame gatewayFrame
		if err := wire.Unmarshal(data, &frame); err != nil {
			t.logger.Warn().Err(err).Msg("Discarding malformed gateway frame")
			continue
		}

		switch frame.Type {
		case frameTick:
			t.mu.RLock()
			handler := t.onTick
			t.mu.RUnlock()
			if handler == nil {
				continue
			}
			for _, tick := range frame.Ticks {
				if tick.Instrument == "" {
					continue
				}
				handler(tick.record())
			}
		case frameError:
			t.logger.Warn().Str("message", frame.Message).Msg("Gateway error frame")
		default:
			t.logger.Debug().Str("type", frame.Type).Msg("Ignoring gateway frame")
		}
	}
}

// dropped reports a lost connection once, and only for the current socket.
func (t *GatewayTransport) dropped(conn *websocket.Conn, err error) {
	t.mu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
	}
	handler := t.onDisconnect
	t.mu.Unlock()

	conn.Close()
	if current && handler != nil {
		handler(apperrors.NewTransportError("read", t.cfg.URL, err))
	}
}

// Subscribe asks the gateway to stream keys at mode.
func (t *GatewayTransport) Subscribe(keys []string, mode models.Mode) error {
	return t.send(gatewayRequest{Action: "subscribe", Instruments: keys, Mode: mode.String()})
}

// Unsubscribe stops the stream for keys.
func (t *GatewayTransport) Unsubscribe(keys []string) error {
	return t.send(gatewayRequest{Action: "unsubscribe", Instruments: keys})
}

func (t *GatewayTransport) send(req gatewayRequest) error {
	if len(req.Instruments) == 0 {
		return nil
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return apperrors.ErrNotConnected
	}

	data, err := wire.Marshal(req)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.NewTransportError(req.Action, t.cfg.URL, err)
	}
	return nil
}

// OnTick sets the tick handler.
func (t *GatewayTransport) OnTick(handler func(models.TickRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnDisconnect sets the handler called when an established connection drops.
func (t *GatewayTransport) OnDisconnect(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = handler
}

// Close closes the socket for good. The read loop exits without reporting
// a disconnect.
func (t *GatewayTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

// IsConnected returns whether a socket is open.
func (t *GatewayTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}
