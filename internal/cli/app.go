package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"kite-terminal/internal/broker"
	"kite-terminal/internal/config"
	"kite-terminal/internal/display"
	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/feed"
	"kite-terminal/internal/models"
	"kite-terminal/internal/orders"
	"kite-terminal/internal/risk"
	"kite-terminal/internal/store"
	"kite-terminal/internal/stream"
	"kite-terminal/pkg/utils"
)

// Backend is the execution backend the order commands talk to.
type Backend interface {
	orders.OrderAPI
	risk.FundsSource
	Orders(ctx context.Context, status models.Status) ([]models.Order, error)
	Order(ctx context.Context, orderID string) (models.Order, error)
}

// App holds the application dependencies. Collaborators left nil are built
// from Config on first use, so tests can inject fakes.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Paper  bool

	Registry  *prometheus.Registry
	Cache     *feed.TickCache
	Backend   Backend
	Snapshots feed.SnapshotSource
	Funds     risk.FundsSource
	Store     store.Store
	Hub       *stream.Hub
	Calendar  *broker.MarketCalendar
	Transport feed.Transport

	kite         *kiteconnect.Client
	feedMetrics  *feed.Metrics
	orderMetrics *orders.Metrics
	loader       *feed.SnapshotLoader
	coordinator  *orders.Coordinator

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
	ownsStore bool
}

// start builds the shared runtime. It is idempotent.
func (a *App) start(ctx context.Context) error {
	a.initOnce.Do(func() { a.initErr = a.build(ctx) })
	return a.initErr
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a.feedMetrics = feed.NewMetrics(a.Registry)
	a.orderMetrics = orders.NewMetrics(a.Registry)

	if a.Cache == nil {
		a.Cache = feed.NewTickCache()
	}
	if _, err := a.calendar(); err != nil {
		return err
	}

	if a.Backend == nil {
		if a.Paper {
			a.Backend = broker.NewPaperBackend(broker.DefaultPaperLimit)
			a.Logger.Info().Msg("Paper backend in use, no orders reach the execution backend")
		} else {
			a.Backend = a.backendClient()
		}
	}

	if a.Snapshots == nil {
		if cfg.Snapshot.Source == "kite" {
			client, err := a.kiteClient()
			if err != nil {
				return err
			}
			a.Snapshots = broker.NewKiteQuoteSource(client, a.Logger)
		} else {
			a.Snapshots = a.backendClient()
		}
	}

	if a.Funds == nil {
		switch {
		case a.Paper || cfg.Backend.FundsSource != "kite":
			a.Funds = a.Backend
		default:
			client, err := a.kiteClient()
			if err != nil {
				return err
			}
			a.Funds = broker.NewKiteFundsSource(client, a.Logger)
		}
	}

	if a.Hub == nil {
		a.Hub = stream.NewHub(a.Logger)
	}
	if !a.Hub.IsStarted() {
		a.Hub.Start(ctx)
	}

	a.loader = feed.NewSnapshotLoader(a.Snapshots, a.Cache, cfg.Snapshot.Timeout, a.Logger, a.feedMetrics)

	opts := []orders.Option{
		orders.WithNotifier(a.Hub),
		orders.WithMarketHours(a.Calendar),
		orders.WithMetrics(a.orderMetrics),
	}
	if cfg.Journal.Enabled {
		if s, err := a.store(); err != nil {
			a.Logger.Warn().Err(err).Msg("Journal unavailable, mutations are not recorded")
		} else {
			opts = append(opts, orders.WithJournal(s))
		}
	}
	a.coordinator = orders.NewCoordinator(
		a.Backend,
		risk.NewValidator(a.Funds, a.Logger),
		a.Cache,
		orders.Config{JobbingPercent: cfg.Pricing.JobbingPercent, Timeout: cfg.Backend.RequestTimeout},
		a.Logger,
		opts...,
	)
	return nil
}

// Close stops the hub and closes the store if the app opened it.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Hub != nil && a.Hub.IsStarted() {
			a.Hub.Stop()
		}
		if a.ownsStore {
			err = a.Store.Close()
		}
	})
	return err
}

func (a *App) calendar() (*broker.MarketCalendar, error) {
	if a.Calendar != nil {
		return a.Calendar, nil
	}
	cal := broker.NewMarketCalendar()
	for _, h := range a.Config.Market.Holidays {
		if err := cal.AddHoliday(h); err != nil {
			return nil, err
		}
	}
	a.Calendar = cal
	return cal, nil
}

func (a *App) backendClient() *broker.BackendClient {
	if c, ok := a.Backend.(*broker.BackendClient); ok {
		return c
	}
	return broker.NewBackendClient(a.Config.Backend.BaseURL, a.Config.Credentials.BackendToken, a.Config.Backend.RequestTimeout, a.Logger)
}

func (a *App) kiteClient() (*kiteconnect.Client, error) {
	if a.kite != nil {
		return a.kite, nil
	}
	creds := a.Config.Credentials
	if creds.KiteAPIKey == "" || creds.KiteAccessToken == "" {
		return nil, fmt.Errorf("%w: KITE_API_KEY and KITE_ACCESS_TOKEN are required", apperrors.ErrConfigInvalid)
	}
	a.kite = broker.NewKiteClient(creds.KiteAPIKey, creds.KiteAccessToken)
	return a.kite, nil
}

// store opens the SQLite store on first use.
func (a *App) store() (store.Store, error) {
	if a.Store != nil {
		return a.Store, nil
	}
	s, err := store.NewSQLiteStore(a.Config.Journal.Path)
	if err != nil {
		return nil, err
	}
	a.Store = s
	a.ownsStore = true
	return s, nil
}

// transport builds the feed transport named by feed.transport.
func (a *App) transport() (feed.Transport, error) {
	if a.Transport != nil {
		return a.Transport, nil
	}
	cfg := a.Config
	switch cfg.Feed.Transport {
	case "gateway":
		a.Transport = broker.NewGatewayTransport(broker.GatewayConfig{
			URL:   cfg.Feed.GatewayURL,
			Token: cfg.Credentials.BackendToken,
		}, a.Logger)
	default:
		if _, err := a.kiteClient(); err != nil {
			return nil, err
		}
		a.Transport = broker.NewKiteTransport(cfg.Credentials.KiteAPIKey, cfg.Credentials.KiteAccessToken, a.Logger)
	}
	return a.Transport, nil
}

func (a *App) connectionConfig() feed.ConnectionConfig {
	f := a.Config.Feed
	return feed.ConnectionConfig{
		Backoff: utils.BackoffConfig{
			InitialDelay:  f.ReconnectInitialDelay,
			MaxDelay:      f.ReconnectMaxDelay,
			BackoffFactor: f.ReconnectFactor,
		},
		ConnectTimeout: f.ConnectTimeout,
	}
}

func (a *App) cadences() display.Cadences {
	d := a.Config.Display
	return display.Cadences{
		Critical:   d.CriticalInterval,
		Standard:   d.StandardInterval,
		Background: d.BackgroundInterval,
	}
}

// prime seeds the cache with a snapshot of keys and returns how many were loaded.
func (a *App) prime(ctx context.Context, keys []string) int {
	return len(a.loader.Load(ctx, dedupe(keys)))
}

// orderKeys returns the instrument keys of orders.
func orderKeys(list []models.Order) []string {
	keys := make([]string, 0, len(list))
	for _, o := range list {
		keys = append(keys, o.InstrumentKey)
	}
	return dedupe(keys)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// commandTimeout bounds a one-shot command: one snapshot plus one mutation.
func (a *App) commandTimeout() time.Duration {
	return a.Config.Snapshot.Timeout + 2*a.Config.Backend.RequestTimeout
}
