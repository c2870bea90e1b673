package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"kite-terminal/internal/display"
	"kite-terminal/internal/feed"
	"kite-terminal/internal/models"
	"kite-terminal/internal/orders"
	"kite-terminal/internal/stream"
)

const (
	quotesView    = "quotes"
	positionsView = "positions"
)

func parseCriticality(s string) (display.Criticality, error) {
	switch strings.ToLower(s) {
	case "critical":
		return display.Critical, nil
	case "standard", "":
		return display.Standard, nil
	case "background":
		return display.Background, nil
	default:
		return display.Standard, fmt.Errorf("unknown level %q (critical, standard or background)", s)
	}
}

func newStreamCmd(app *App) *cobra.Command {
	var (
		list      string
		modeName  string
		levelName string
		duration  time.Duration
		positions bool
		console   bool
		metrics   bool
	)

	cmd := &cobra.Command{
		Use:   "stream [instrument...]",
		Short: "Stream live quotes and positions",
		Long: `Stream live quotes for instruments or a watchlist until interrupted.

With --positions the open and held orders are tracked with live P&L. With
--console, commands are read from stdin while streaming:

  exit <id> [price]   close a position
  exit-all            close every position
  hold <id>           park a position
  resume <id>         return a held position to open
  reopen <id> [!]     reopen a closed position, ! for privileged
  hidden | visible    pause rendering; visible resyncs the feed
  status              show the connection state
  quit                stop streaming`,
		Example: `  terminal stream NSE:2885 NSE:1594 --mode full
  terminal stream --list default --positions --console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			mode, err := models.ParseMode(modeName)
			if err != nil {
				return err
			}
			level, err := parseCriticality(levelName)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if err := app.start(ctx); err != nil {
				return err
			}

			var keys []string
			if len(args) > 0 || list != "" || !positions {
				if keys, err = app.resolveKeys(ctx, args, list); err != nil {
					return err
				}
			}

			s, err := app.openSession(ctx, output)
			if err != nil {
				return err
			}
			defer s.Close()

			if metrics || app.Config.Metrics.Enabled {
				srv := s.serveMetrics(app.Config.Metrics.ListenAddr)
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if len(keys) > 0 {
				if err := s.watch(ctx, keys, mode, level); err != nil {
					return err
				}
			}
			if positions {
				if err := s.trackPositions(ctx); err != nil {
					return err
				}
			}

			quit := make(chan struct{})
			if console {
				go func() {
					s.console(ctx, cmd.InOrStdin())
					close(quit)
				}()
			}

			select {
			case <-ctx.Done():
			case <-quit:
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&list, "list", "l", "", "watchlist to stream")
	cmd.Flags().StringVarP(&modeName, "mode", "m", "quote", "subscription mode: ticker, quote or full")
	cmd.Flags().StringVar(&levelName, "level", "standard", "render cadence: critical, standard or background")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	cmd.Flags().BoolVar(&positions, "positions", false, "track open positions with live P&L")
	cmd.Flags().BoolVar(&console, "console", false, "read order commands from stdin")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics on metrics.listen_addr")
	return cmd
}

// session is one live terminal: the feed connection, its subscription
// registry and the open views.
type session struct {
	app      *App
	output   *Output
	registry *feed.Registry
	conn     *feed.Connection
	views    *display.Set
	consumer *stream.ConsumerFunc
	runDone  chan struct{}

	printMu sync.Mutex

	// viewMu makes each positions view swap atomic.
	viewMu sync.Mutex

	mu        sync.Mutex
	positions map[string]models.Order
	posKeys   []string
}

func (a *App) openSession(ctx context.Context, output *Output) (*session, error) {
	tr, err := a.transport()
	if err != nil {
		return nil, err
	}

	registry := feed.NewRegistry(a.Logger, a.feedMetrics)
	s := &session{
		app:       a,
		output:    output,
		registry:  registry,
		conn:      feed.NewConnection(tr, a.Cache, registry, a.connectionConfig(), a.Logger, a.feedMetrics),
		views:     display.NewSet(a.Cache, registry, a.loader, a.cadences(), a.Config.Display.StaleAfter, a.Logger),
		runDone:   make(chan struct{}),
		positions: make(map[string]models.Order),
	}

	go func() {
		defer close(s.runDone)
		_ = s.conn.Run(ctx)
	}()
	return s, nil
}

// Close stops the views before the connection so no projector renders
// after the feed is gone.
func (s *session) Close() {
	if s.consumer != nil {
		s.app.Hub.UnregisterConsumer(s.consumer)
	}
	s.views.CloseAll()
	_ = s.conn.Close()
	<-s.runDone
}

func (s *session) watch(ctx context.Context, keys []string, mode models.Mode, level display.Criticality) error {
	_, err := s.views.Open(ctx, display.View{
		ID:       quotesView,
		Keys:     keys,
		Mode:     mode,
		Level:    level,
		OnChange: s.printQuotes,
	})
	return err
}

// trackPositions loads the active orders, opens the positions view and
// follows order events from the coordinator.
func (s *session) trackPositions(ctx context.Context) error {
	var active []models.Order
	for _, st := range []models.Status{models.StatusOpen, models.StatusHold} {
		list, err := s.app.Backend.Orders(ctx, st)
		if err != nil {
			return err
		}
		active = append(active, list...)
	}

	s.mu.Lock()
	for _, o := range active {
		s.positions[o.ID] = o
	}
	s.mu.Unlock()

	if err := s.reopenPositions(ctx); err != nil {
		return err
	}

	s.consumer = stream.NewConsumerFunc(nil, func(ev models.OrderEvent) {
		s.orderChanged(ctx, ev)
	})
	s.app.Hub.RegisterConsumer(s.consumer)
	return nil
}

// reopenPositions replaces the positions view when the tracked instrument
// set changed.
func (s *session) reopenPositions(ctx context.Context) error {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	s.mu.Lock()
	list := make([]models.Order, 0, len(s.positions))
	for _, o := range s.positions {
		list = append(list, o)
	}
	keys := orderKeys(list)
	sort.Strings(keys)
	same := equalKeys(keys, s.posKeys)
	s.posKeys = keys
	s.mu.Unlock()

	if same {
		return nil
	}
	if err := s.views.Close(positionsView); err != nil {
		s.app.Logger.Warn().Err(err).Msg("Positions view release failed")
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := s.views.Open(ctx, display.View{
		ID:       positionsView,
		Keys:     keys,
		Mode:     models.ModeTicker,
		Level:    display.Critical,
		OnChange: s.printPositions,
	})
	return err
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *session) orderChanged(ctx context.Context, ev models.OrderEvent) {
	s.mu.Lock()
	if ev.Status == models.StatusClosed {
		delete(s.positions, ev.OrderID)
	} else {
		s.positions[ev.OrderID] = ev.Order
	}
	s.mu.Unlock()

	s.printf("» %s %s -> %s\n", ev.Action, ev.OrderID, ev.Status)
	if err := s.reopenPositions(ctx); err != nil {
		s.app.Logger.Warn().Err(err).Msg("Positions view reopen failed")
	}
}

func (s *session) printf(format string, args ...interface{}) {
	s.printMu.Lock()
	defer s.printMu.Unlock()
	if s.output.IsJSON() {
		return
	}
	s.output.Printf(format, args...)
}

func (s *session) printQuotes(changed []models.DisplayState) {
	if !s.conn.IsVisible() {
		return
	}
	s.printMu.Lock()
	defer s.printMu.Unlock()

	for _, st := range changed {
		if s.output.IsJSON() {
			_ = s.output.JSONLine(st)
			continue
		}
		if st.Placeholder {
			continue
		}
		ex := exchangeOf(st.InstrumentKey)
		line := fmt.Sprintf("%s  %-14s %12s  %s  %s",
			FormatTime(st.UpdatedAt),
			st.InstrumentKey,
			FormatPrice(ex, st.LTP),
			s.output.signed(st.NetChange, FormatChange(st.NetChange, st.PercentChange)),
			FormatBidAsk(st.BestBid, st.BestAsk),
		)
		if st.Stale {
			line = s.output.DimText(line + "  stale")
		}
		s.output.Println(line)
	}
}

func (s *session) printPositions(changed []models.DisplayState) {
	if !s.conn.IsVisible() {
		return
	}
	prices := make(map[string]models.DisplayState, len(changed))
	for _, st := range changed {
		if !st.Placeholder {
			prices[st.InstrumentKey] = st
		}
	}

	s.mu.Lock()
	var affected []models.Order
	for _, o := range s.positions {
		if _, ok := prices[o.InstrumentKey]; ok {
			affected = append(affected, o)
		}
	}
	s.mu.Unlock()
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })

	s.printMu.Lock()
	defer s.printMu.Unlock()
	for _, o := range affected {
		st := prices[o.InstrumentKey]
		r, err := s.app.valuate(o, st.LTP)
		if err != nil {
			continue
		}
		if s.output.IsJSON() {
			_ = s.output.JSONLine(position{Order: o, Price: st.LTP, PnL: r, Live: true})
			continue
		}
		s.output.Printf("%s  %-22s %s %d @ %s  ltp %s  %s (%s)\n",
			FormatTime(st.UpdatedAt),
			o.ID,
			o.Side,
			o.Quantity,
			FormatPrice(o.Exchange, o.EntryPrice),
			FormatPrice(o.Exchange, st.LTP),
			s.output.FormatPnL(r.NetPnL),
			s.output.FormatPercent(r.PercentReturn),
		)
	}
}

// console reads commands from in until quit, EOF or ctx cancellation.
func (s *session) console(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := s.exec(ctx, line); quit {
				return
			}
		}
	}
}

// exec runs one console command and reports whether streaming should stop.
func (s *session) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "quit", "q":
		return true
	case "hidden":
		s.conn.Hidden()
		return false
	case "visible":
		if err := s.conn.Visible(ctx); err != nil {
			s.printf("resync incomplete: %v\n", err)
		}
		return false
	case "status":
		s.printf("feed %s, %d subscribed, %d cached\n", s.conn.State(), len(s.registry.Transmitted()), s.app.Cache.Len())
		return false
	case "exit-all":
		callCtx, cancel := context.WithTimeout(ctx, s.app.commandTimeout())
		defer cancel()
		report, err := s.app.exitAll(callCtx, nil)
		s.printMu.Lock()
		defer s.printMu.Unlock()
		if report != nil {
			_ = renderExitReport(s.output, report, err)
		} else {
			printMutationError(s.output, err)
		}
		return false
	}

	if len(fields) < 2 {
		s.printf("usage: %s <order-id>\n", fields[0])
		return false
	}
	action, id := fields[0], fields[1]

	callCtx, cancel := context.WithTimeout(ctx, s.app.commandTimeout())
	defer cancel()
	o, err := s.app.Backend.Order(callCtx, id)
	if err != nil {
		s.printf("%v\n", err)
		return false
	}

	c := s.app.coordinator
	switch action {
	case orders.ActionExit:
		var price float64
		if len(fields) > 2 {
			if price, err = strconv.ParseFloat(fields[2], 64); err != nil {
				s.printf("bad price %q\n", fields[2])
				return false
			}
		}
		o, err = c.Exit(callCtx, o, price)
	case orders.ActionHold:
		o, err = c.Hold(callCtx, o)
	case orders.ActionResume:
		o, err = c.Resume(callCtx, o)
	case orders.ActionReopen:
		o, err = c.Reopen(callCtx, o, len(fields) > 2 && fields[2] == "!")
	default:
		s.printf("unknown command %q\n", action)
		return false
	}

	s.printMu.Lock()
	defer s.printMu.Unlock()
	_ = reportMutation(s.output, action, o, err)
	return false
}

type health struct {
	Feed        string `json:"feed"`
	Subscribed  int    `json:"subscribed"`
	Instruments int    `json:"instruments"`
	Views       int    `json:"views"`
}

func (s *session) health() health {
	return health{
		Feed:        s.conn.State().String(),
		Subscribed:  len(s.registry.Transmitted()),
		Instruments: s.app.Cache.Len(),
		Views:       s.views.Len(),
	}
}

func (s *session) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := s.health()
		w.Header().Set("Content-Type", "application/json")
		if h.Feed != feed.StateConnected.String() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = jsonOut.NewEncoder(w).Encode(h)
	}).Methods(http.MethodGet)
	return r
}

func (s *session) serveMetrics(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.app.Logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	s.app.Logger.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}
