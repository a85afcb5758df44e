package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff shapes the pause between reconnect attempts: Initial grows by
// Multiplier per attempt up to Max, and Jitter spreads simultaneous
// clients across a 0.5x..1.5x band so they do not stampede the server.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoff starts at 250ms, doubles, and caps at 5s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    250 * time.Millisecond,
		Multiplier: 2.0,
		Max:        5 * time.Second,
		Jitter:     true,
	}
}

// delay returns the pause before attempt n (1-based).
func (b Backoff) delay(attempt int, rng *rand.Rand) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	d := float64(b.Initial)
	if attempt > 1 {
		d = float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}
