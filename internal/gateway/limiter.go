package gateway

import (
	"errors"
	"sync/atomic"
)

// ErrCapacity is returned when the streaming connection ceiling is reached
var ErrCapacity = errors.New("capacity exceeded")

// ConnectionLimiter caps concurrent streaming connections across every
// transport in the process.
type ConnectionLimiter struct {
	max    int64
	active atomic.Int64
}

func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{max: int64(max)}
}

// Acquire reserves a slot or returns ErrCapacity. Every successful
// Acquire must be paired with exactly one Release.
func (l *ConnectionLimiter) Acquire() error {
	for {
		cur := l.active.Load()
		if cur >= l.max {
			return ErrCapacity
		}
		if l.active.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func (l *ConnectionLimiter) Release() {
	l.active.Add(-1)
}

func (l *ConnectionLimiter) Active() int64 {
	return l.active.Load()
}

func (l *ConnectionLimiter) Max() int64 {
	return l.max
}
