package broker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		key   string
		token uint32
		ok    bool
	}{
		{"NSE:738561", 738561, true},
		{"NFO:12345", 12345, true},
		{"NSE:RELIANCE", 0, false},
		{"738561", 0, false},
		{"NSE:", 0, false},
		{"NSE:99999999999", 0, false},
	}
	for _, tt := range tests {
		token, ok := parseToken(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.token, token, tt.key)
	}
}

func TestKiteMode(t *testing.T) {
	assert.Equal(t, kiteticker.ModeLTP, kiteMode(models.ModeTicker))
	assert.Equal(t, kiteticker.ModeQuote, kiteMode(models.ModeQuote))
	assert.Equal(t, kiteticker.ModeFull, kiteMode(models.ModeFull))
}

func kiteTick(mode string) kitemodels.Tick {
	tick := kitemodels.Tick{
		Mode:            mode,
		InstrumentToken: 738561,
		LastPrice:       2500,
		VolumeTraded:    1000,
		OI:              42,
		NetChange:       50,
		OHLC:            kitemodels.OHLC{Open: 2440, High: 2510, Low: 2430, Close: 2450},
		LastTradeTime:   kitemodels.Time{Time: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)},
	}
	tick.Depth.Buy[0] = kitemodels.DepthItem{Price: 2499.5, Quantity: 10, Orders: 2}
	tick.Depth.Sell[0] = kitemodels.DepthItem{Price: 2500.5, Quantity: 12, Orders: 3}
	return tick
}

func TestConvertTick_LTPPacketCarriesOnlyPrice(t *testing.T) {
	rec := convertTick("NSE:738561", kiteTick("ltp"))
	assert.Equal(t, "NSE:738561", rec.InstrumentKey)
	assert.Equal(t, models.FieldLTP, rec.Set)
	assert.Equal(t, 2500.0, rec.LTP)
}

func TestConvertTick_QuotePacket(t *testing.T) {
	rec := convertTick("NSE:738561", kiteTick(kiteModeQuote))
	assert.True(t, rec.Has(models.FieldLTP|models.FieldOpen|models.FieldHigh|models.FieldLow|models.FieldClose|models.FieldVolume|models.FieldNetChange))
	assert.False(t, rec.Has(models.FieldDepth))
	assert.False(t, rec.Has(models.FieldOpenInterest))
	assert.Equal(t, int64(1000), rec.Volume)
}

func TestConvertTick_FullPacket(t *testing.T) {
	rec := convertTick("NSE:738561", kiteTick(kiteModeFull))
	assert.True(t, rec.Has(models.FieldDepth|models.FieldBestBid|models.FieldBestAsk|models.FieldOpenInterest|models.FieldLastTradeTime))
	assert.Equal(t, 2499.5, rec.BestBid)
	assert.Equal(t, 2500.5, rec.BestAsk)
	assert.Equal(t, int64(12), rec.Depth.Sell[0].Quantity)
	assert.Equal(t, int64(42), rec.OpenInterest)
}

// Feature: kite-ticker, Property: an ltp packet merged onto a full record keeps every other field
func TestProperty_LTPPacketNeverClearsFields(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("merge of an ltp packet changes only ltp", prop.ForAll(
		func(price float64) bool {
			full := convertTick("NSE:738561", kiteTick(kiteModeFull))
			ltp := kiteTick("ltp")
			ltp.LastPrice = price
			merged := full.Merge(convertTick("NSE:738561", ltp))

			want := full
			want.LTP = price
			return merged == want
		},
		gen.Float64Range(0.05, 100000),
	))

	properties.TestingRun(t)
}

func TestKiteTransport_NotConnected(t *testing.T) {
	tr := NewKiteTransport("key", "token", zerolog.Nop())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Subscribe([]string{"NSE:1"}, models.ModeQuote), apperrors.ErrNotConnected)
	assert.ErrorIs(t, tr.Unsubscribe([]string{"NSE:1"}), apperrors.ErrNotConnected)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Connect(context.Background()), apperrors.ErrClosed)
}
