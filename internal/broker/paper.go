package broker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

// DefaultPaperLimit is the paper account's limit per product (10 lakhs).
const DefaultPaperLimit = 1000000

// PaperBackend is an in-memory execution backend for paper trading. It
// serves the same order and funds contract as BackendClient.
type PaperBackend struct {
	orders  map[string]*models.Order
	limits  map[models.Product]float64
	used    map[models.Product]float64
	counter int
	now     func() time.Time
	mu      sync.RWMutex
}

// NewPaperBackend creates a paper account with limit available under each
// product. A zero limit uses DefaultPaperLimit.
func NewPaperBackend(limit float64) *PaperBackend {
	if limit <= 0 {
		limit = DefaultPaperLimit
	}
	return &PaperBackend{
		orders: make(map[string]*models.Order),
		limits: map[models.Product]float64{models.Intraday: limit, models.Overnight: limit},
		used:   make(map[models.Product]float64),
		now:    time.Now,
	}
}

func notFound(orderID, action string) error {
	return &apperrors.MutationError{OrderID: orderID, Action: action, Status: http.StatusNotFound, Message: "order not found"}
}

func conflict(orderID, action, msg string) error {
	return &apperrors.MutationError{OrderID: orderID, Action: action, Status: http.StatusConflict, Message: msg}
}

// Place stores a new order. Orders without an id get a generated one.
func (p *PaperBackend) Place(ctx context.Context, o models.Order) (models.Order, error) {
	if err := ctx.Err(); err != nil {
		return models.Order{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if o.ID == "" {
		p.counter++
		o.ID = fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.counter)
	}
	if _, exists := p.orders[o.ID]; exists {
		return models.Order{}, conflict(o.ID, "place", "order id already exists")
	}
	if o.Status == "" {
		o.Status = models.StatusOpen
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = p.now()
	}

	p.used[o.Product] += float64(o.Quantity) * o.EntryPrice
	stored := o
	p.orders[o.ID] = &stored
	return o, nil
}

// Update applies u to a stored order.
func (p *PaperBackend) Update(ctx context.Context, orderID string, u models.OrderUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return notFound(orderID, u.Action)
	}
	reopen := u.Action == "reopen" && o.Status == models.StatusClosed && u.Status == models.StatusOpen
	if u.Status != "" && !reopen && !o.Status.CanTransition(u.Status) {
		return conflict(orderID, u.Action, fmt.Sprintf("cannot move %s order to %s", o.Status, u.Status))
	}

	switch {
	case u.Status == models.StatusClosed:
		at := p.now()
		if u.ClosedAt != nil {
			at = *u.ClosedAt
		}
		p.close(o, u.ClosedPrice, at)
	case u.Status != "":
		if o.Status == models.StatusClosed {
			p.used[o.Product] += float64(o.Quantity) * o.EntryPrice
			o.ClosedPrice = 0
			o.ClosedAt = time.Time{}
		}
		o.CameFrom = o.Status
		o.Status = u.Status
	default:
		if o.Status == models.StatusClosed {
			return conflict(orderID, u.Action, "order is closed")
		}
		before := float64(o.Quantity) * o.EntryPrice
		if u.Quantity > 0 {
			o.Quantity = u.Quantity
		}
		if u.Lots > 0 {
			o.Lots = u.Lots
		}
		if u.Price > 0 {
			o.EntryPrice = u.Price
		}
		if u.StopLoss > 0 {
			o.StopLoss = u.StopLoss
		}
		if u.Target > 0 {
			o.Target = u.Target
		}
		p.used[o.Product] += float64(o.Quantity)*o.EntryPrice - before
	}
	return nil
}

func (p *PaperBackend) close(o *models.Order, price float64, at time.Time) {
	p.used[o.Product] -= float64(o.Quantity) * o.EntryPrice
	o.CameFrom = o.Status
	o.Status = models.StatusClosed
	o.ClosedPrice = price
	o.ClosedAt = at
}

// ExitAll closes every listed order and reports per-order results.
func (p *PaperBackend) ExitAll(ctx context.Context, closes map[string]models.ClosePrice) ([]models.ExitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(closes))
	for id := range closes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]models.ExitResult, 0, len(ids))
	for _, id := range ids {
		o, ok := p.orders[id]
		switch {
		case !ok:
			results = append(results, models.ExitResult{OrderID: id, Message: "order not found"})
		case o.IsClosed():
			results = append(results, models.ExitResult{OrderID: id, Message: "order is already closed"})
		default:
			p.close(o, closes[id].Price, closes[id].ClosedAt)
			results = append(results, models.ExitResult{OrderID: id, OK: true})
		}
	}
	return results, nil
}

// Funds returns the paper account's limits.
func (p *PaperBackend) Funds(ctx context.Context) (models.FundsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.FundsSnapshot{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.FundsSnapshot{
		Intraday:  models.SegmentFunds{AvailableLimit: p.limits[models.Intraday], UsedLimit: p.used[models.Intraday]},
		Overnight: models.SegmentFunds{AvailableLimit: p.limits[models.Overnight], UsedLimit: p.used[models.Overnight]},
		FetchedAt: p.now(),
	}, nil
}

// Orders lists stored orders by id, optionally filtered by status.
func (p *PaperBackend) Orders(ctx context.Context, status models.Status) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Order returns one stored order.
func (p *PaperBackend) Order(ctx context.Context, orderID string) (models.Order, error) {
	if err := ctx.Err(); err != nil {
		return models.Order{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return models.Order{}, apperrors.NewOrderError(orderID, "get", "not found", apperrors.ErrDataNotFound)
	}
	return *o, nil
}

// Reset drops every order and restores the limits.
func (p *PaperBackend) Reset(limit float64) {
	if limit <= 0 {
		limit = DefaultPaperLimit
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = make(map[string]*models.Order)
	p.limits = map[models.Product]float64{models.Intraday: limit, models.Overnight: limit}
	p.used = make(map[models.Product]float64)
	p.counter = 0
}
