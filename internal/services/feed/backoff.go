package feed

import (
	"sync"
	"time"
)

// Backoff yields base, 2*base, 4*base ... capped at max
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the current attempt and advances
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d >= b.max {
		return b.max
	}
	b.attempt++
	return d
}

// Reset returns the sequence to base
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
