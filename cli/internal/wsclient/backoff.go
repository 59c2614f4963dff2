package wsclient

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Ceiling is the delay before jitter for a zero-based attempt:
// min(Max, Base*2^attempt).
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay scales Ceiling by a jitter factor in [0.5, 1.0]. r must be in [0, 1].
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	jitter := 0.5 + 0.5*r
	return time.Duration(float64(b.Ceiling(attempt)) * jitter)
}

// Next returns a randomized delay for attempt.
func (b Backoff) Next(attempt int) time.Duration {
	return b.Delay(attempt, rand.Float64()) //nolint:gosec // jitter doesn't need crypto rand
}
