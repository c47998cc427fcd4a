package resilience

import (
	"math"
	"time"
)

// Backoff computes capped exponential reconnect delays. Used by the
// streaming layer only; REST calls are never retried below the caller.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the streaming reconnect schedule:
// min(2^attempt, 60s) seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: time.Second,
		Max:  60 * time.Second,
	}
}

// Delay returns the delay before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Guard the shift against overflow for large attempt counts.
	if attempt > 62 {
		return b.Max
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * b.Base
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
