// Package pricing computes position P&L, brokerage and averaged entry prices.
// Every function is pure; monetary values keep full precision until Rounded.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

// DefaultBrokerageRate is the configured default per-side brokerage in
// percent of traded value.
const DefaultBrokerageRate = 0.01

// Mode selects which legs of a trade are charged brokerage.
type Mode int

const (
	EntryOnly Mode = iota
	RoundTrip
)

func (m Mode) String() string {
	if m == RoundTrip {
		return "round-trip"
	}
	return "entry-only"
}

// ParseMode parses "entry-only" or "round-trip".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry-only", "entry", "":
		return EntryOnly, nil
	case "round-trip", "roundtrip":
		return RoundTrip, nil
	default:
		return EntryOnly, fmt.Errorf("unknown brokerage mode %q", s)
	}
}

// Input describes one position valuation.
type Input struct {
	Side     models.Side
	Quantity int
	AvgPrice float64
	// Price is the live price, or the exit price for a closed position.
	Price float64
	// RatePercent is brokerage per side in percent. Zero charges no brokerage.
	RatePercent float64
	Mode        Mode
}

// Result is the outcome of Compute.
type Result struct {
	EntryValue     float64 `json:"entry_value"`
	CurrentValue   float64 `json:"current_value"`
	BrokerageEntry float64 `json:"brokerage_entry"`
	BrokerageExit  float64 `json:"brokerage_exit"`
	TotalBrokerage float64 `json:"total_brokerage"`
	PerShareDiff   float64 `json:"per_share_diff"`
	GrossPnL       float64 `json:"gross_pnl"`
	NetPnL         float64 `json:"net_pnl"`
	PercentReturn  float64 `json:"percent_return"`
}

// Rounded returns a copy with every monetary field rounded to 2 decimals for display.
func (r Result) Rounded() Result {
	return Result{
		EntryValue:     Round2(r.EntryValue),
		CurrentValue:   Round2(r.CurrentValue),
		BrokerageEntry: Round2(r.BrokerageEntry),
		BrokerageExit:  Round2(r.BrokerageExit),
		TotalBrokerage: Round2(r.TotalBrokerage),
		PerShareDiff:   Round2(r.PerShareDiff),
		GrossPnL:       Round2(r.GrossPnL),
		NetPnL:         Round2(r.NetPnL),
		PercentReturn:  Round2(r.PercentReturn),
	}
}

// Compute values a position.
func Compute(in Input) (Result, error) {
	if !in.Side.Valid() {
		return Result{}, fmt.Errorf("pricing: unknown side %q", in.Side)
	}
	if in.Quantity < 0 {
		return Result{}, apperrors.NewValidationError(apperrors.InvalidQuantity, "quantity", float64(in.Quantity), "quantity must not be negative")
	}
	if in.AvgPrice < 0 || in.Price < 0 || in.RatePercent < 0 {
		return Result{}, fmt.Errorf("pricing: negative price or rate")
	}

	rate := in.RatePercent
	qty := float64(in.Quantity)

	var r Result
	r.EntryValue = in.AvgPrice * qty
	r.CurrentValue = in.Price * qty
	r.BrokerageEntry = r.EntryValue * rate / 100
	if in.Mode == RoundTrip {
		r.BrokerageExit = r.CurrentValue * rate / 100
	}
	r.TotalBrokerage = r.BrokerageEntry + r.BrokerageExit

	if in.Side == models.Buy {
		r.PerShareDiff = in.Price - in.AvgPrice
	} else {
		r.PerShareDiff = in.AvgPrice - in.Price
	}
	r.GrossPnL = r.PerShareDiff * qty
	r.NetPnL = r.GrossPnL - r.TotalBrokerage

	if r.EntryValue > 0 {
		r.PercentReturn = r.NetPnL / r.EntryValue * 100
	}
	return r, nil
}

// WeightedAverage returns the entry price after adding addedQty at fill to an
// existing position. A zero total quantity is a caller error.
func WeightedAverage(existingQty int, existingAvg float64, addedQty int, fill float64) (float64, error) {
	total := existingQty + addedQty
	if total == 0 {
		return 0, apperrors.ErrZeroQuantity
	}
	if existingQty < 0 || addedQty < 0 {
		return 0, apperrors.NewValidationError(apperrors.InvalidQuantity, "quantity", float64(total), "quantity must not be negative")
	}
	return (float64(existingQty)*existingAvg + float64(addedQty)*fill) / float64(total), nil
}

// ApplyJobbing derives an exit execution price from a live price. A BUY
// position exits pct percent lower, a SELL position pct percent higher.
func ApplyJobbing(side models.Side, price, pct float64) float64 {
	if pct == 0 {
		return price
	}
	if side == models.Buy {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}

// LotsToQuantity converts a lot count into units.
func LotsToQuantity(lots, lotSize int) int {
	if lotSize <= 0 {
		lotSize = 1
	}
	return lots * lotSize
}

// Round2 rounds half away from zero to 2 decimals.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// FormatAmount renders v with exactly 2 decimals.
func FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
