package utils

import (
	"math"
	"time"
)

// BackoffConfig holds reconnect backoff configuration.
type BackoffConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	return CalculateBackoff(attempt, c.InitialDelay, c.MaxDelay, c.BackoffFactor)
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if delay > float64(maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
