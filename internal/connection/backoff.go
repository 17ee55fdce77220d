package connection

import "time"

// backoffFactor is the growth applied to the delay after each scheduled
// reconnect.
const backoffFactor = 1.5

// Backoff is an exponential delay with a ceiling. It is not safe for
// concurrent use; Connection guards it with its mutex.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a Backoff starting at initial and never exceeding max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	d := b.current
	next := time.Duration(float64(b.current) * backoffFactor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return d
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	return b.current
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
}
