package errclass

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewRetryBackoff builds an exponential backoff policy matching spec.md
// §4.5's "base · 2^attempt, capped at a configured max" — expressed with
// cenkalti/backoff's ExponentialBackOff rather than a hand-rolled loop, with
// randomization disabled so the spacing is exactly deterministic (tests
// assert on elapsed spacing).
func NewRetryBackoff(base, max time.Duration) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0, // caller bounds attempts by maxRetries, not elapsed time
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
