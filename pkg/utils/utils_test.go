package utils

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFormatIndianCurrency(t *testing.T) {
	assert.Equal(t, "₹1,23,456.79", FormatIndianCurrency(123456.789))
	assert.Equal(t, "-₹99.90", FormatIndianCurrency(-99.9))
	assert.Equal(t, "₹0.10", FormatIndianCurrency(0.1))
}

func TestFormatPercentAndPnL(t *testing.T) {
	assert.Equal(t, "+9.99%", FormatPercent(9.990000000000002))
	assert.Equal(t, "-1.50%", FormatPercent(-1.5))
	assert.Equal(t, "0.00%", FormatPercent(0.001))
	assert.Equal(t, "+₹99.90", FormatPnL(99.9))
	assert.Equal(t, "1,00,000", FormatQuantity(100000))
}

func TestMarketClockHelpers(t *testing.T) {
	// 2024-01-08 is a Monday; 03:45 UTC is 09:15 IST.
	mon := time.Date(2024, 1, 8, 3, 45, 0, 0, time.UTC)
	assert.Equal(t, 555, MinutesSinceMidnightIST(mon))
	assert.False(t, IsWeekendIST(mon))
	assert.True(t, IsWeekendIST(mon.AddDate(0, 0, 5)))
}

// Feature: feed reconnect, Property: backoff is monotonic and bounded
func TestProperty_BackoffBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("delay never exceeds max and never decreases", prop.ForAll(
		func(attempt int) bool {
			cfg := DefaultBackoffConfig()
			d := cfg.Delay(attempt)
			next := cfg.Delay(attempt + 1)
			return d > 0 && d <= cfg.MaxDelay && next >= d
		},
		gen.IntRange(0, 5000),
	))

	properties.TestingRun(t)
}
