package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a terminal position tracked by the execution backend.
type Order struct {
	ID            string    `json:"id"`
	InstrumentKey string    `json:"instrument_key"`
	Symbol        string    `json:"symbol"`
	Exchange      Exchange  `json:"exchange"`
	Side          Side      `json:"side"`
	Product       Product   `json:"product"`
	Quantity      int       `json:"quantity"`
	Lots          int       `json:"lots"`
	LotSize       int       `json:"lot_size"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	Target        float64   `json:"target"`
	Status        Status    `json:"status"`
	ClosedPrice   float64   `json:"closed_price,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
	CameFrom      Status    `json:"came_from,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// EffectiveLotSize returns the lot size, treating an unset size as 1.
func (o Order) EffectiveLotSize() int {
	if o.LotSize <= 0 {
		return 1
	}
	return o.LotSize
}

// IsClosed reports whether the order has been exited.
func (o Order) IsClosed() bool {
	return o.Status == StatusClosed
}

// SegmentFunds holds the limits for one product.
type SegmentFunds struct {
	AvailableLimit float64 `json:"available_limit"`
	UsedLimit      float64 `json:"used_limit"`
}

// FreeLimit is the capital still deployable under the product.
func (s SegmentFunds) FreeLimit() float64 {
	return s.Free().InexactFloat64()
}

// Free is FreeLimit computed without binary rounding drift.
func (s SegmentFunds) Free() decimal.Decimal {
	return decimal.NewFromFloat(s.AvailableLimit).Sub(decimal.NewFromFloat(s.UsedLimit))
}

// FundsSnapshot is the account limits split by product.
type FundsSnapshot struct {
	Intraday  SegmentFunds `json:"intraday"`
	Overnight SegmentFunds `json:"overnight"`
	FetchedAt time.Time    `json:"-"`
}

// For returns the limits applying to product p.
func (f FundsSnapshot) For(p Product) SegmentFunds {
	if p == Overnight {
		return f.Overnight
	}
	return f.Intraday
}

// DisplayState is the projection of a tick record a view renders.
type DisplayState struct {
	InstrumentKey string    `json:"instrument_key"`
	LTP           float64   `json:"ltp"`
	PercentChange float64   `json:"percent_change"`
	NetChange     float64   `json:"net_change"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	BestBid       float64   `json:"best_bid"`
	BestAsk       float64   `json:"best_ask"`
	Volume        int64     `json:"volume"`
	OpenInterest  int64     `json:"open_interest"`
	Placeholder   bool      `json:"placeholder"`
	Stale         bool      `json:"stale"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderEvent notifies dependent views that an order changed and should be refetched.
type OrderEvent struct {
	OrderID string    `json:"order_id"`
	Action  string    `json:"action"`
	Status  Status    `json:"status"`
	Order   Order     `json:"order"`
	At      time.Time `json:"at"`
}

// OrderUpdate is the body of an order update call. Action selects the
// backend semantics: adjust, exit, reopen, hold or resume.
type OrderUpdate struct {
	Action      string     `json:"action"`
	Quantity    int        `json:"quantity,omitempty"`
	Lots        int        `json:"lots,omitempty"`
	Price       float64    `json:"price,omitempty"`
	StopLoss    float64    `json:"stop_loss,omitempty"`
	Target      float64    `json:"target,omitempty"`
	Status      Status     `json:"status,omitempty"`
	ClosedPrice float64    `json:"closed_price,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CameFrom    Status     `json:"came_from,omitempty"`
}

// ClosePrice is one entry of an exit-all request.
type ClosePrice struct {
	Price    float64   `json:"price"`
	ClosedAt time.Time `json:"closed_at"`
}

// ExitResult is the backend's per-order answer to an exit-all request.
type ExitResult struct {
	OrderID string `json:"order_id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// JournalEntry is one recorded mutation attempt.
type JournalEntry struct {
	ID      int64     `json:"id"`
	OrderID string    `json:"order_id"`
	Action  string    `json:"action"`
	Outcome string    `json:"outcome"`
	Payload string    `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
