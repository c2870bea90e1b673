// Package risk runs the pre-mutation checks on a proposed order change.
package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// FundsSource returns the current account limits.
type FundsSource interface {
	Funds(ctx context.Context) (models.FundsSnapshot, error)
}

// Check is one proposed change to validate.
type Check struct {
	Side    models.Side
	Product models.Product
	// Current is the live price the levels are compared against.
	Current  float64
	StopLoss float64
	Target   float64
	// AddedQty is the size increase in units. Zero skips the margin check.
	AddedQty int
}

// Validator evaluates stop-loss, target and margin rules.
type Validator struct {
	funds  FundsSource
	logger zerolog.Logger
}

// NewValidator creates a validator. funds may be nil when no check adds size.
func NewValidator(funds FundsSource, logger zerolog.Logger) *Validator {
	return &Validator{
		funds:  funds,
		logger: logging.WithComponent(logger, "risk"),
	}
}

// Validate evaluates every rule for c. It returns the collected rejections
// (nil when accepted) and a separate error only when the funds lookup failed.
func (v *Validator) Validate(ctx context.Context, c Check) (apperrors.Rejections, error) {
	if !c.Side.Valid() {
		return nil, fmt.Errorf("risk: unknown side %q", c.Side)
	}

	var rejections apperrors.Rejections
	if c.Current <= 0 {
		rejections = append(rejections, &apperrors.ValidationError{
			Kind:    apperrors.PriceUnavailable,
			Field:   "current",
			Message: "no live price to validate against",
		})
		return rejections, nil
	}

	if r := CheckStopLoss(c.Side, c.Current, c.StopLoss); r != nil {
		rejections = append(rejections, r)
	}
	if r := CheckTarget(c.Side, c.Current, c.Target); r != nil {
		rejections = append(rejections, r)
	}
	if c.AddedQty < 0 {
		rejections = append(rejections, apperrors.NewValidationError(apperrors.InvalidQuantity, "quantity", float64(c.AddedQty), "added quantity must not be negative"))
	}

	// Funds are fetched last; the level checks above never wait on I/O.
	if c.AddedQty > 0 {
		r, err := v.checkMargin(ctx, c)
		if err != nil {
			return rejections, err
		}
		if r != nil {
			rejections = append(rejections, r)
		}
	}

	if len(rejections) == 0 {
		return nil, nil
	}
	v.logger.Debug().Str("side", string(c.Side)).Float64("current", c.Current).Str("rejections", rejections.Error()).Msg("Change rejected")
	return rejections, nil
}

// ValidateNew checks an order about to be placed: quantity must be a positive
// multiple of the lot size and the full position value must fit the free limit.
func (v *Validator) ValidateNew(ctx context.Context, o models.Order, current float64) (apperrors.Rejections, error) {
	lot := o.EffectiveLotSize()
	if o.Quantity <= 0 || o.Quantity%lot != 0 {
		return apperrors.Rejections{&apperrors.ValidationError{
			Kind:    apperrors.InvalidQuantity,
			Field:   "quantity",
			Value:   float64(o.Quantity),
			Message: fmt.Sprintf("quantity must be a positive multiple of lot size %d", lot),
		}}, nil
	}
	return v.Validate(ctx, Check{
		Side:     o.Side,
		Product:  o.Product,
		Current:  current,
		StopLoss: o.StopLoss,
		Target:   o.Target,
		AddedQty: o.Quantity,
	})
}

func (v *Validator) checkMargin(ctx context.Context, c Check) (*apperrors.ValidationError, error) {
	if v.funds == nil {
		return nil, apperrors.NewTransportError("funds", "", apperrors.ErrNotConnected)
	}
	snap, err := v.funds.Funds(ctx)
	if err != nil {
		if apperrors.IsTransport(err) {
			return nil, err
		}
		return nil, apperrors.NewTransportError("funds", "", err)
	}

	required := decimal.NewFromInt(int64(c.AddedQty)).Mul(decimal.NewFromFloat(c.Current))
	free := snap.For(c.Product).Free()
	if required.GreaterThan(free) {
		return &apperrors.ValidationError{
			Kind:      apperrors.InsufficientFunds,
			Field:     "quantity",
			Value:     float64(c.AddedQty),
			Current:   c.Current,
			Required:  required.Round(2).InexactFloat64(),
			Available: free.Round(2).InexactFloat64(),
			Message:   fmt.Sprintf("%s limit cannot cover %d more at %.2f", c.Product, c.AddedQty, c.Current),
		}, nil
	}
	return nil, nil
}

// CheckStopLoss returns a rejection when a positive stopLoss sits on the wrong
// side of current: below it for BUY, above it for SELL.
func CheckStopLoss(side models.Side, current, stopLoss float64) *apperrors.ValidationError {
	if stopLoss <= 0 {
		return nil
	}
	if side == models.Buy && stopLoss < current {
		return nil
	}
	if side == models.Sell && stopLoss > current {
		return nil
	}
	return &apperrors.ValidationError{
		Kind:    apperrors.InvalidStopLoss,
		Field:   "stop_loss",
		Value:   stopLoss,
		Current: current,
		Message: levelMessage("stop loss", side, current, true),
	}
}

// CheckTarget returns a rejection when a positive target sits on the wrong
// side of current: above it for BUY, below it for SELL.
func CheckTarget(side models.Side, current, target float64) *apperrors.ValidationError {
	if target <= 0 {
		return nil
	}
	if side == models.Buy && target > current {
		return nil
	}
	if side == models.Sell && target < current {
		return nil
	}
	return &apperrors.ValidationError{
		Kind:    apperrors.InvalidTarget,
		Field:   "target",
		Value:   target,
		Current: current,
		Message: levelMessage("target", side, current, false),
	}
}

func levelMessage(name string, side models.Side, current float64, below bool) string {
	if side == models.Sell {
		below = !below
	}
	dir := "above"
	if below {
		dir = "below"
	}
	return fmt.Sprintf("%s for %s must be %s %.2f", name, side, dir, current)
}
