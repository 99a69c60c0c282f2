package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxAttempts = 10
)

// Backoff yields min(base * 2^attempt, max) for attempt = 0, 1, 2, ... and
// restarts from base after Reset. It is not safe for concurrent use.
type Backoff struct {
	eb      *backoff.ExponentialBackOff
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()
	return &Backoff{eb: eb}
}

func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.eb.NextBackOff()
}

func (b *Backoff) Reset() {
	b.attempt = 0
	b.eb.Reset()
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }
