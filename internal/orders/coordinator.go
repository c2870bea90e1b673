// Package orders applies validated mutations to terminal orders through the
// execution backend. Mutations are sent at most once; a call whose outcome
// could not be observed is reported as unknown and never retried.
package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
	"kite-terminal/internal/pricing"
	"kite-terminal/internal/risk"
)

// Mutation actions, as sent to the backend and recorded in the journal.
const (
	ActionPlace   = "place"
	ActionAdjust  = "adjust"
	ActionExit    = "exit"
	ActionExitAll = "exit_all"
	ActionReopen  = "reopen"
	ActionHold    = "hold"
	ActionResume  = "resume"
)

// Mutation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeUnknown  = "unknown"
	OutcomeFailed   = "failed"
)

const defaultTimeout = 5 * time.Second

// OrderAPI is the execution backend's order contract.
type OrderAPI interface {
	Place(ctx context.Context, o models.Order) (models.Order, error)
	Update(ctx context.Context, orderID string, u models.OrderUpdate) error
	ExitAll(ctx context.Context, closes map[string]models.ClosePrice) ([]models.ExitResult, error)
}

// Validator runs the pre-mutation risk checks.
type Validator interface {
	Validate(ctx context.Context, c risk.Check) (apperrors.Rejections, error)
	ValidateNew(ctx context.Context, o models.Order, current float64) (apperrors.Rejections, error)
}

// PriceSource returns the live price of an instrument.
type PriceSource interface {
	LTP(key string) (float64, bool)
}

// MarketHours reports whether an exchange is trading at a given instant.
type MarketHours interface {
	IsOpen(exchange models.Exchange, at time.Time) bool
}

// Journal persists mutation attempts.
type Journal interface {
	Record(ctx context.Context, e models.JournalEntry) error
}

// Notifier is told about every order that changed.
type Notifier interface {
	OrderChanged(action string, o models.Order)
}

// Config holds coordinator settings.
type Config struct {
	// JobbingPercent is applied to live exit prices.
	JobbingPercent float64
	// Timeout bounds each backend call.
	Timeout time.Duration
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithJournal records every attempt to j.
func WithJournal(j Journal) Option { return func(c *Coordinator) { c.journal = j } }

// WithNotifier publishes order changes to n.
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithMarketHours gates unprivileged reopen on h.
func WithMarketHours(h MarketHours) Option { return func(c *Coordinator) { c.hours = h } }

// WithMetrics counts mutations.
func WithMetrics(m *Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator is the order mutation coordinator.
type Coordinator struct {
	api       OrderAPI
	validator Validator
	prices    PriceSource
	cfg       Config
	logger    zerolog.Logger

	journal  Journal
	notifier Notifier
	hours    MarketHours
	metrics  *Metrics
	now      func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(api OrderAPI, validator Validator, prices PriceSource, cfg Config, logger zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Coordinator{
		api:       api,
		validator: validator,
		prices:    prices,
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "orders"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AdjustRequest describes a change to an open position.
type AdjustRequest struct {
	AddedLots int
	// StopLoss and Target replace the order's levels; zero keeps the current level.
	StopLoss float64
	Target   float64
	// FillPrice is the price the added lots fill at; zero uses the live price.
	FillPrice float64
}

// ExitReport is the outcome of ExitAll.
type ExitReport struct {
	Closed []models.Order
	Failed map[string]error
}

// Place validates and creates a new OPEN order. A zero EntryPrice uses the live price.
func (c *Coordinator) Place(ctx context.Context, o models.Order) (models.Order, error) {
	if !o.Side.Valid() || !o.Product.Valid() {
		return models.Order{}, apperrors.NewOrderError(o.ID, ActionPlace, "side and product are required", nil)
	}

	price := o.EntryPrice
	if price <= 0 {
		price = c.livePrice(o.InstrumentKey)
	}
	rejections, err := c.validator.ValidateNew(ctx, o, price)
	if err != nil {
		return models.Order{}, err
	}
	if len(rejections) > 0 {
		c.rejected(ctx, ActionPlace, o.ID, rejections)
		return models.Order{}, rejections
	}

	o.Status = models.StatusOpen
	o.EntryPrice = price
	o.CreatedAt = c.now()
	if o.Lots == 0 {
		o.Lots = o.Quantity / o.EffectiveLotSize()
	}

	var placed models.Order
	err = c.mutate(ctx, ActionPlace, o.ID, o, func(ctx context.Context) error {
		var err error
		placed, err = c.api.Place(ctx, o)
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	if placed.ID == "" {
		placed = o
	}
	c.notify(ActionPlace, placed)
	return placed, nil
}

// Adjust adds lots and moves the levels of an OPEN or HOLD order.
func (c *Coordinator) Adjust(ctx context.Context, o models.Order, req AdjustRequest) (models.Order, error) {
	if o.IsClosed() {
		return o, apperrors.NewOrderError(o.ID, ActionAdjust, "order is closed", apperrors.ErrInvalidTransition)
	}

	current := c.livePrice(o.InstrumentKey)
	addedQty := pricing.LotsToQuantity(req.AddedLots, o.EffectiveLotSize())

	stopLoss, target := o.StopLoss, o.Target
	if req.StopLoss > 0 {
		stopLoss = req.StopLoss
	}
	if req.Target > 0 {
		target = req.Target
	}

	rejections, err := c.validator.Validate(ctx, risk.Check{
		Side:     o.Side,
		Product:  o.Product,
		Current:  current,
		StopLoss: stopLoss,
		Target:   target,
		AddedQty: addedQty,
	})
	if err != nil {
		return o, err
	}
	if len(rejections) > 0 {
		c.rejected(ctx, ActionAdjust, o.ID, rejections)
		return o, rejections
	}

	fill := req.FillPrice
	if fill <= 0 {
		fill = current
	}
	newAvg, err := pricing.WeightedAverage(o.Quantity, o.EntryPrice, addedQty, fill)
	if err != nil {
		return o, apperrors.NewOrderError(o.ID, ActionAdjust, "cannot average position", err)
	}

	update := models.OrderUpdate{
		Action:   ActionAdjust,
		Quantity: o.Quantity + addedQty,
		Lots:     o.Lots + req.AddedLots,
		Price:    newAvg,
		StopLoss: stopLoss,
		Target:   target,
	}
	if err := c.update(ctx, o.ID, update); err != nil {
		return o, err
	}

	o.Quantity = update.Quantity
	o.Lots = update.Lots
	o.EntryPrice = newAvg
	o.StopLoss = stopLoss
	o.Target = target
	c.notify(ActionAdjust, o)
	return o, nil
}

// Exit closes an order. A positive override is used as the close price as is;
// otherwise the live price is marked down by the jobbing percentage.
func (c *Coordinator) Exit(ctx context.Context, o models.Order, override float64) (models.Order, error) {
	if o.IsClosed() {
		return o, apperrors.NewOrderError(o.ID, ActionExit, "order is already closed", apperrors.ErrInvalidTransition)
	}

	price := c.exitPrice(o, override)
	if price <= 0 {
		ve := priceUnavailable(o)
		c.rejected(ctx, ActionExit, o.ID, apperrors.Rejections{ve})
		return o, ve
	}

	now := c.now()
	update := models.OrderUpdate{
		Action:      ActionExit,
		Status:      models.StatusClosed,
		ClosedPrice: price,
		ClosedAt:    &now,
		CameFrom:    o.Status,
	}
	if err := c.update(ctx, o.ID, update); err != nil {
		return o, err
	}

	o = closed(o, price, now)
	c.notify(ActionExit, o)
	return o, nil
}

// ExitAll closes every order in one backend call. prices maps order id to
// a close price; missing entries fall back to the live price. Orders without
// a usable price are rejected locally and never sent. A backend failure on
// part of the batch leaves the other orders closed.
func (c *Coordinator) ExitAll(ctx context.Context, orders []models.Order, prices map[string]float64) (*ExitReport, error) {
	report := &ExitReport{Failed: make(map[string]error)}
	now := c.now()

	closes := make(map[string]models.ClosePrice, len(orders))
	pending := make(map[string]models.Order, len(orders))
	for _, o := range orders {
		if o.IsClosed() {
			report.Failed[o.ID] = apperrors.NewOrderError(o.ID, ActionExitAll, "order is already closed", apperrors.ErrInvalidTransition)
			continue
		}
		price := c.exitPrice(o, prices[o.ID])
		if price <= 0 {
			ve := priceUnavailable(o)
			c.rejected(ctx, ActionExitAll, o.ID, apperrors.Rejections{ve})
			report.Failed[o.ID] = ve
			continue
		}
		closes[o.ID] = models.ClosePrice{Price: price, ClosedAt: now}
		pending[o.ID] = o
	}
	if len(closes) == 0 {
		return report, nil
	}

	var results []models.ExitResult
	err := c.mutate(ctx, ActionExitAll, "", closes, func(ctx context.Context) error {
		var err error
		results, err = c.api.ExitAll(ctx, closes)
		return err
	})
	if err != nil {
		for id := range closes {
			report.Failed[id] = err
		}
		return report, err
	}

	byID := make(map[string]models.ExitResult, len(results))
	for _, r := range results {
		byID[r.OrderID] = r
	}

	ids := make([]string, 0, len(closes))
	for id := range closes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r, ok := byID[id]
		switch {
		case ok && r.OK:
			o := closed(pending[id], closes[id].Price, now)
			report.Closed = append(report.Closed, o)
			c.record(ctx, ActionExit, id, OutcomeOK, closes[id], nil)
			c.notify(ActionExit, o)
		case ok:
			me := &apperrors.MutationError{OrderID: id, Action: ActionExit, Message: r.Message}
			report.Failed[id] = me
			c.record(ctx, ActionExit, id, OutcomeRejected, closes[id], me)
		default:
			me := &apperrors.MutationError{OrderID: id, Action: ActionExit, Message: "no result returned for order", Unknown: true}
			report.Failed[id] = me
			c.record(ctx, ActionExit, id, OutcomeUnknown, closes[id], me)
		}
	}

	c.logger.Info().Int("closed", len(report.Closed)).Int("failed", len(report.Failed)).Msg("Exit all completed")
	return report, nil
}

// Reopen moves a CLOSED order back to OPEN. Unprivileged callers may only do
// so while the order's exchange is trading.
func (c *Coordinator) Reopen(ctx context.Context, o models.Order, privileged bool) (models.Order, error) {
	if o.Status != models.StatusClosed {
		return o, apperrors.NewOrderError(o.ID, ActionReopen, "only closed orders can be reopened", apperrors.ErrInvalidTransition)
	}
	if !privileged && (c.hours == nil || !c.hours.IsOpen(o.Exchange, c.now())) {
		err := fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, apperrors.ErrMarketClosed)
		c.record(ctx, ActionReopen, o.ID, OutcomeInvalid, nil, err)
		return o, apperrors.NewOrderError(o.ID, ActionReopen, "reopen needs privilege outside market hours", err)
	}

	update := models.OrderUpdate{
		Action:   ActionReopen,
		Status:   models.StatusOpen,
		CameFrom: models.StatusClosed,
	}
	if err := c.update(ctx, o.ID, update); err != nil {
		return o, err
	}

	o.Status = models.StatusOpen
	o.CameFrom = models.StatusClosed
	o.ClosedPrice = 0
	o.ClosedAt = time.Time{}
	c.notify(ActionReopen, o)
	return o, nil
}

// Hold parks an OPEN order.
func (c *Coordinator) Hold(ctx context.Context, o models.Order) (models.Order, error) {
	return c.transition(ctx, o, models.StatusHold, ActionHold)
}

// Resume returns a HOLD order to OPEN.
func (c *Coordinator) Resume(ctx context.Context, o models.Order) (models.Order, error) {
	if o.Status != models.StatusHold {
		return o, apperrors.NewOrderError(o.ID, ActionResume, fmt.Sprintf("cannot resume a %s order", o.Status), apperrors.ErrInvalidTransition)
	}
	return c.transition(ctx, o, models.StatusOpen, ActionResume)
}

func (c *Coordinator) transition(ctx context.Context, o models.Order, next models.Status, action string) (models.Order, error) {
	if !o.Status.CanTransition(next) {
		return o, apperrors.NewOrderError(o.ID, action, fmt.Sprintf("%s -> %s", o.Status, next), apperrors.ErrInvalidTransition)
	}
	update := models.OrderUpdate{Action: action, Status: next, CameFrom: o.Status}
	if err := c.update(ctx, o.ID, update); err != nil {
		return o, err
	}
	o.CameFrom = o.Status
	o.Status = next
	c.notify(action, o)
	return o, nil
}

func (c *Coordinator) update(ctx context.Context, orderID string, u models.OrderUpdate) error {
	return c.mutate(ctx, u.Action, orderID, u, func(ctx context.Context) error {
		return c.api.Update(ctx, orderID, u)
	})
}

// mutate performs one backend call under the configured timeout, then
// classifies, journals and logs the result.
func (c *Coordinator) mutate(ctx context.Context, action, orderID string, payload any, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := classify(orderID, action, call(callCtx))
	if c.metrics != nil {
		c.metrics.Latency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}

	outcome := outcomeOf(err)
	c.record(ctx, action, orderID, outcome, payload, err)
	logging.LogMutation(logging.WithOrderID(c.logger, orderID), action, orderID, outcome, err)
	return err
}

func (c *Coordinator) rejected(ctx context.Context, action, orderID string, rejections apperrors.Rejections) {
	if c.metrics != nil {
		for _, r := range rejections {
			c.metrics.Rejections.WithLabelValues(string(r.Kind)).Inc()
		}
	}
	c.record(ctx, action, orderID, OutcomeInvalid, nil, rejections)
	c.logger.Debug().Str("action", action).Str("order_id", orderID).Str("rejections", rejections.Error()).Msg("Mutation rejected locally")
}

func (c *Coordinator) record(ctx context.Context, action, orderID, outcome string, payload any, err error) {
	if c.metrics != nil {
		c.metrics.Mutations.WithLabelValues(action, outcome).Inc()
	}
	if c.journal == nil {
		return
	}

	entry := models.JournalEntry{
		OrderID: orderID,
		Action:  action,
		Outcome: outcome,
		At:      c.now(),
	}
	if payload != nil {
		if b, mErr := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload); mErr == nil {
			entry.Payload = string(b)
		}
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// The journal must be written even when the caller's context is gone.
	if jErr := c.journal.Record(context.WithoutCancel(ctx), entry); jErr != nil {
		c.logger.Warn().Err(jErr).Str("action", action).Msg("Journal write failed")
	}
}

func (c *Coordinator) notify(action string, o models.Order) {
	if c.notifier != nil {
		c.notifier.OrderChanged(action, o)
	}
}

func (c *Coordinator) livePrice(key string) float64 {
	if c.prices == nil {
		return 0
	}
	ltp, ok := c.prices.LTP(key)
	if !ok {
		return 0
	}
	return ltp
}

func (c *Coordinator) exitPrice(o models.Order, override float64) float64 {
	if override > 0 {
		return override
	}
	ltp := c.livePrice(o.InstrumentKey)
	if ltp <= 0 {
		return 0
	}
	return pricing.ApplyJobbing(o.Side, ltp, c.cfg.JobbingPercent)
}

func closed(o models.Order, price float64, at time.Time) models.Order {
	o.CameFrom = o.Status
	o.Status = models.StatusClosed
	o.ClosedPrice = price
	o.ClosedAt = at
	return o
}

func priceUnavailable(o models.Order) *apperrors.ValidationError {
	return &apperrors.ValidationError{
		Kind:    apperrors.PriceUnavailable,
		Field:   "closed_price",
		Message: fmt.Sprintf("no close price for %s", o.InstrumentKey),
	}
}

// classify turns a backend call error into a MutationError.
func classify(orderID, action string, err error) error {
	if err == nil {
		return nil
	}

	var me *apperrors.MutationError
	if errors.As(err, &me) {
		if me.OrderID == "" {
			me.OrderID = orderID
		}
		if me.Action == "" {
			me.Action = action
		}
		return me
	}

	switch {
	case outcomeUnknown(err):
		return &apperrors.MutationError{OrderID: orderID, Action: action, Message: "no response from backend", Unknown: true, Err: err}
	case apperrors.IsTransport(err):
		return &apperrors.MutationError{OrderID: orderID, Action: action, Message: "backend unreachable", Err: err}
	default:
		return apperrors.NewMutationError(orderID, action, "backend call failed", err)
	}
}

// outcomeUnknown reports whether err leaves open that the backend applied
// the call: the request went out and no answer came back.
func outcomeUnknown(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return true
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, apperrors.ErrNoResponse):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var me *apperrors.MutationError
	if errors.As(err, &me) {
		switch {
		case me.Unknown:
			return OutcomeUnknown
		case me.Status > 0 || me.Err == nil:
			return OutcomeRejected
		}
	}
	return OutcomeFailed
}
