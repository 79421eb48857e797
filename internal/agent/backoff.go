package agent

import (
	"math"
	"time"
)

// Backoff spaces out empty polls: exponential growth from InitialDelay by
// Factor, clamped at MaxDelay.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// Delay returns the delay for a given consecutive empty poll (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := b.InitialDelay
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if d <= 0 {
		d = initial
	}
	return d
}
