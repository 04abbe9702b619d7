package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes min(max, base*factor^attempts) + uniform(0, spreader),
// the delay schedule for reconnect attempts.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Factor   float64
	Spreader time.Duration

	attempt int
}

// NewBackoff builds a Backoff with the given parameters. Factor <= 1 is
// treated as 2.
func NewBackoff(base, max time.Duration, factor float64, spreader time.Duration) *Backoff {
	if factor <= 1 {
		factor = 2
	}
	return &Backoff{Base: base, Max: max, Factor: factor, Spreader: spreader}
}

// Next returns the delay for the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(float64(b.Base) * math.Pow(b.Factor, float64(b.attempt)))
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	if b.Spreader > 0 {
		d += time.Duration(rand.Int63n(int64(b.Spreader) + 1))
	}
	return d
}

// Reset clears the attempt counter, as happens on successful open.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Seed sets the attempt counter directly. Used to suppress an instant
// reconnect after a `goodbye` by seeding it to 1.
func (b *Backoff) Seed(attempts int) {
	b.attempt = attempts
}
