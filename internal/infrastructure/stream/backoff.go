package stream

import (
	"math/rand"
	"time"
)

const defaultBackoffDelay = 5 * time.Second

// Backoff defines the reconnect delay. With Factor <= 1 and Jitter == 0 it is a
// fixed Delay; Factor > 1 grows the delay per attempt up to Max.
type Backoff struct {
	Delay  time.Duration
	Max    time.Duration
	Factor float64
	// Jitter randomizes the delay as a fraction of it (0-1).
	Jitter float64
}

// FixedBackoff returns a constant-delay policy.
func FixedBackoff(delay time.Duration) Backoff {
	return Backoff{Delay: delay}
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Delay
	if wait <= 0 {
		wait = defaultBackoffDelay
	}
	if b.Factor > 1 {
		for i := 1; i < attempt; i++ {
			next := time.Duration(float64(wait) * b.Factor)
			if b.Max > 0 && next > b.Max {
				wait = b.Max
				break
			}
			wait = next
		}
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
