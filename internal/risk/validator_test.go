package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

type fakeFunds struct {
	snap  models.FundsSnapshot
	err   error
	calls int
}

func (f *fakeFunds) Funds(ctx context.Context) (models.FundsSnapshot, error) {
	f.calls++
	return f.snap, f.err
}

func fundsWithFree(intraday float64) *fakeFunds {
	return &fakeFunds{snap: models.FundsSnapshot{
		Intraday:  models.SegmentFunds{AvailableLimit: intraday + 500, UsedLimit: 500},
		Overnight: models.SegmentFunds{AvailableLimit: 1e9},
	}}
}

func TestStopLossAndTargetBuy(t *testing.T) {
	v := NewValidator(nil, zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		name     string
		sl, tgt  float64
		rejected apperrors.RejectionKind
	}{
		{"sl above current", 105, 0, apperrors.InvalidStopLoss},
		{"sl below current", 95, 0, ""},
		{"target below current", 0, 95, apperrors.InvalidTarget},
		{"target above current", 0, 105, ""},
		{"sl equal current", 100, 0, apperrors.InvalidStopLoss},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rej, err := v.Validate(ctx, Check{Side: models.Buy, Current: 100, StopLoss: tc.sl, Target: tc.tgt})
			require.NoError(t, err)
			if tc.rejected == "" {
				assert.Nil(t, rej)
				return
			}
			require.Len(t, rej, 1)
			assert.Equal(t, tc.rejected, rej[0].Kind)
			assert.Equal(t, 100.0, rej[0].Current)
		})
	}
}

func TestStopLossAndTargetSellMirror(t *testing.T) {
	v := NewValidator(nil, zerolog.Nop())
	ctx := context.Background()

	rej, err := v.Validate(ctx, Check{Side: models.Sell, Current: 100, StopLoss: 95})
	require.NoError(t, err)
	assert.True(t, rej.Has(apperrors.InvalidStopLoss))

	rej, _ = v.Validate(ctx, Check{Side: models.Sell, Current: 100, StopLoss: 105})
	assert.Nil(t, rej)

	rej, _ = v.Validate(ctx, Check{Side: models.Sell, Current: 100, Target: 105})
	assert.True(t, rej.Has(apperrors.InvalidTarget))

	rej, _ = v.Validate(ctx, Check{Side: models.Sell, Current: 100, Target: 95})
	assert.Nil(t, rej)
}

func TestAllChecksReported(t *testing.T) {
	v := NewValidator(fundsWithFree(10), zerolog.Nop())
	rej, err := v.Validate(context.Background(), Check{Side: models.Buy, Product: models.Intraday, Current: 100, StopLoss: 105, Target: 95, AddedQty: 1})
	require.NoError(t, err)
	require.Len(t, rej, 3)
	assert.True(t, rej.Has(apperrors.InvalidStopLoss))
	assert.True(t, rej.Has(apperrors.InvalidTarget))
	assert.True(t, rej.Has(apperrors.InsufficientFunds))
	assert.Equal(t, apperrors.InsufficientFunds, rej[2].Kind)
}

func TestMarginBoundary(t *testing.T) {
	funds := fundsWithFree(1000)
	v := NewValidator(funds, zerolog.Nop())
	ctx := context.Background()

	rej, err := v.Validate(ctx, Check{Side: models.Buy, Product: models.Intraday, Current: 1000.01, AddedQty: 1})
	require.NoError(t, err)
	require.Len(t, rej, 1)
	assert.Equal(t, 1000.01, rej[0].Required)
	assert.Equal(t, 1000.0, rej[0].Available)
	assert.ErrorIs(t, rej, apperrors.ErrInsufficientFunds)

	rej, err = v.Validate(ctx, Check{Side: models.Buy, Product: models.Intraday, Current: 1000, AddedQty: 1})
	require.NoError(t, err)
	assert.Nil(t, rej)

	rej, err = v.Validate(ctx, Check{Side: models.Buy, Product: models.Overnight, Current: 1000.01, AddedQty: 1})
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestMarginDerivedFreeLimitIsExact(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name            string
		available, used float64
		qty             int
		price           float64
		rejected        bool
	}{
		{"free exactly covers", 1500.10, 500.10, 1, 1000.00, false},
		{"small limits exactly cover", 0.3, 0.1, 2, 0.1, false},
		{"lot of ten at the edge", 10000.30, 9000.10, 10, 100.02, false},
		{"one paisa over", 1500.10, 500.10, 1, 1000.01, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			funds := &fakeFunds{snap: models.FundsSnapshot{
				Intraday: models.SegmentFunds{AvailableLimit: tc.available, UsedLimit: tc.used},
			}}
			rej, err := NewValidator(funds, zerolog.Nop()).Validate(ctx, Check{
				Side: models.Buy, Product: models.Intraday, Current: tc.price, AddedQty: tc.qty,
			})
			require.NoError(t, err)
			if !tc.rejected {
				assert.Nil(t, rej)
				return
			}
			require.Len(t, rej, 1)
			assert.Equal(t, 1000.01, rej[0].Required)
			assert.Equal(t, 1000.0, rej[0].Available)
		})
	}
}

func TestMarginSkippedWithoutIncrease(t *testing.T) {
	funds := fundsWithFree(0)
	v := NewValidator(funds, zerolog.Nop())

	rej, err := v.Validate(context.Background(), Check{Side: models.Buy, Current: 100, StopLoss: 90})
	require.NoError(t, err)
	assert.Nil(t, rej)
	assert.Equal(t, 0, funds.calls)
}

func TestFundsFailureIsTransport(t *testing.T) {
	v := NewValidator(&fakeFunds{err: errors.New("connection refused")}, zerolog.Nop())
	rej, err := v.Validate(context.Background(), Check{Side: models.Buy, Current: 100, StopLoss: 105, AddedQty: 1})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.True(t, rej.Has(apperrors.InvalidStopLoss))
}

func TestMissingPrice(t *testing.T) {
	v := NewValidator(nil, zerolog.Nop())
	rej, err := v.Validate(context.Background(), Check{Side: models.Buy, StopLoss: 90})
	require.NoError(t, err)
	assert.True(t, rej.Has(apperrors.PriceUnavailable))
}

func TestValidateNew(t *testing.T) {
	v := NewValidator(fundsWithFree(10000), zerolog.Nop())
	ctx := context.Background()

	rej, err := v.ValidateNew(ctx, models.Order{Side: models.Buy, Product: models.Intraday, Quantity: 30, LotSize: 25}, 100)
	require.NoError(t, err)
	assert.True(t, rej.Has(apperrors.InvalidQuantity))

	rej, err = v.ValidateNew(ctx, models.Order{Side: models.Buy, Product: models.Intraday, Quantity: 50, LotSize: 25}, 100)
	require.NoError(t, err)
	assert.Nil(t, rej)

	rej, err = v.ValidateNew(ctx, models.Order{Side: models.Buy, Product: models.Intraday, Quantity: 125, LotSize: 25}, 100)
	require.NoError(t, err)
	assert.True(t, rej.Has(apperrors.InsufficientFunds))
}

// Feature: risk validation, Property: SELL rules are the mirror of BUY rules
func TestProperty_LevelMirror(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("a level valid for BUY is invalid for SELL unless equal", prop.ForAll(
		func(current, level float64) bool {
			buySL := CheckStopLoss(models.Buy, current, level) == nil
			sellSL := CheckStopLoss(models.Sell, current, level) == nil
			buyT := CheckTarget(models.Buy, current, level) == nil
			sellT := CheckTarget(models.Sell, current, level) == nil
			if level == current {
				return !buySL && !sellSL && !buyT && !sellT
			}
			return buySL != sellSL && buyT != sellT && buySL == sellT
		},
		gen.Float64Range(1, 10000),
		gen.Float64Range(1, 10000),
	))

	properties.TestingRun(t)
}
