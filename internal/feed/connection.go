package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
	"kite-terminal/pkg/utils"
)

// Transport is one persistent market data channel.
//
// Connect blocks until the channel is usable and may be called again after
// a disconnect. Tick and disconnect handlers are invoked from the transport's
// read loop; ticks for one instrument arrive in order.
type Transport interface {
	Sender
	Connect(ctx context.Context) error
	OnTick(handler func(models.TickRecord))
	OnDisconnect(handler func(error))
	Close() error
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds reconnect settings.
type ConnectionConfig struct {
	Backoff        utils.BackoffConfig
	ConnectTimeout time.Duration
}

// DefaultConnectionConfig returns the default connection configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Backoff:        utils.DefaultBackoffConfig(),
		ConnectTimeout: 15 * time.Second,
	}
}

// Connection owns the feed transport. It is the only writer of live ticks
// into the cache, replays the registry on every connect and keeps retrying
// after a loss with a capped delay.
type Connection struct {
	transport Transport
	cache     *TickCache
	registry  *Registry
	config    ConnectionConfig
	logger    zerolog.Logger
	metrics   *Metrics

	state   atomic.Int32
	visible atomic.Bool

	wake      chan struct{}
	lost      chan error
	done      chan struct{}
	closeOnce sync.Once

	// connected is closed and replaced on each successful connect; tests and
	// callers use WaitConnected to observe it.
	connMu    sync.Mutex
	connected chan struct{}
}

// NewConnection wires a transport to the cache and registry.
func NewConnection(transport Transport, cache *TickCache, registry *Registry, cfg ConnectionConfig, logger zerolog.Logger, metrics *Metrics) *Connection {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = utils.DefaultBackoffConfig()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectionConfig().ConnectTimeout
	}

	c := &Connection{
		transport: transport,
		cache:     cache,
		registry:  registry,
		config:    cfg,
		logger:    logging.WithComponent(logger, "feed"),
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
		lost:      make(chan error, 1),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
	c.visible.Store(true)

	transport.OnTick(func(rec models.TickRecord) {
		c.cache.Apply(rec)
		c.metrics.TicksReceived.Inc()
	})
	transport.OnDisconnect(func(err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	return c
}

// Run connects and keeps the connection alive until ctx is cancelled or
// Close is called. Transport failures are never returned; they only delay
// the next attempt.
func (c *Connection) Run(ctx context.Context) error {
	attempt := 0
	for {
		if c.stopped(ctx) {
			c.setState(StateClosed)
			return ctx.Err()
		}

		c.drainLost()
		c.setState(StateConnecting)

		connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
		err := c.transport.Connect(connectCtx)
		cancel()

		if err == nil {
			attempt = 0
			c.onConnected()

			select {
			case err = <-c.lost:
			case <-ctx.Done():
			case <-c.done:
			}

			c.registry.Detach()
			c.metrics.Connected.Set(0)
			if c.stopped(ctx) {
				c.setState(StateClosed)
				return ctx.Err()
			}
			c.setState(StateDisconnected)
			c.logger.Warn().Err(err).Msg("Feed connection lost")
		} else {
			c.setState(StateDisconnected)
		}

		delay := c.config.Backoff.Delay(attempt)
		attempt++
		c.metrics.Reconnects.Inc()
		logging.LogReconnect(c.logger, attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		case <-c.done:
			timer.Stop()
		}
	}
}

func (c *Connection) onConnected() {
	c.setState(StateConnected)
	c.metrics.Connected.Set(1)
	c.logger.Info().Msg("Feed connected")

	if err := c.registry.Attach(c.transport); err != nil {
		// Partial replay; the next visibility resync or reconnect sends the rest.
		c.logger.Warn().Err(err).Msg("Subscription replay incomplete")
	}

	c.connMu.Lock()
	close(c.connected)
	c.connected = make(chan struct{})
	c.connMu.Unlock()
}

// Visible is called when the viewing surface regains focus. A disconnected
// feed reconnects immediately; a connected one re-sends the desired set since
// the transport may have starved silently while hidden.
func (c *Connection) Visible(ctx context.Context) error {
	c.visible.Store(true)
	c.metrics.Resyncs.Inc()

	if c.State() == StateConnected {
		c.logger.Debug().Msg("Visible again, replaying subscriptions")
		return c.registry.Replay()
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Hidden records that the viewing surface went to the background.
func (c *Connection) Hidden() {
	c.visible.Store(false)
}

// IsVisible reports the last visibility signal.
func (c *Connection) IsVisible() bool {
	return c.visible.Load()
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// WaitConnected blocks until the next successful connect or ctx is done.
// It returns immediately when already connected.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.connMu.Lock()
	ch := c.connected
	c.connMu.Unlock()

	if c.State() == StateConnected {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the retry loop and closes the transport.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
		c.setState(StateClosed)
	})
	return err
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) stopped(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Connection) drainLost() {
	select {
	case <-c.lost:
	default:
	}
}
