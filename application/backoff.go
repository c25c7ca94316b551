package application

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff yields bounded, growing retry delays. It never gives up: connectivity
// loss is not fatal, so the supervisor retries for as long as the agent runs.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

func NewBackoff(s RetrySettings) *Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.InitialInterval
	b.MaxInterval = s.MaxInterval
	b.Multiplier = s.Multiplier
	b.RandomizationFactor = s.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return &Backoff{b: b}
}

func (b *Backoff) Next() time.Duration {
	d := b.b.NextBackOff()
	if d == backoff.Stop {
		return b.b.MaxInterval
	}
	return d
}

func (b *Backoff) Reset() {
	b.b.Reset()
}
