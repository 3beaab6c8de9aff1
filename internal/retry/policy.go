// Package retry re-attempts failed propagations with exponential backoff.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy shapes the wait between attempts.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func NewPolicy(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max, Jitter: backoff.DefaultRandomizationFactor}
}

// Delay returns the wait before retry number attempt+1: Base doubled per
// previous attempt, capped at Max, spread by Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: p.Jitter,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
