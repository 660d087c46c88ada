// Package backoff computes retry delays.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential returns the delay before the given attempt: Initial for
// attempt 1, doubling each time, capped at Max.
func Exponential(attempt int, cfg Config) time.Duration {
	initial := cfg.Initial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxDelay := cfg.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
