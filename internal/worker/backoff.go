package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing delays with jitter, capped at Max.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay for the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.Min << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	} else {
		b.attempt++
	}
	// Up to 25% jitter keeps restarting workers from thundering together.
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d + jitter
}

// Reset restarts the schedule after a successful attempt.
func (b *Backoff) Reset() { b.attempt = 0 }
