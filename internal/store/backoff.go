package store

import "time"

// Backoff computes outbox retry delays: min(Base * 2^(attempts-1), Cap).
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff retries after 2s, 4s, 8s, 16s and gives up after five attempts.
var DefaultBackoff = Backoff{
	Base:        2 * time.Second,
	Cap:         32 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return min(d, b.Cap)
}
