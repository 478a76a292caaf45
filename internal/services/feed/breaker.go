package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"nyyu-pricefeed/internal/metrics"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerStats is a read-only snapshot of the breaker
type BreakerStats struct {
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int64     `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	Trips         int64     `json:"trips"`
}

// CircuitBreaker gates reconnect attempts.
//
// closed -> open after threshold consecutive failures (within window),
// open -> half-open once cooldown has elapsed, half-open allows a single
// trial; success closes the circuit, failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	window    time.Duration

	state          BreakerState
	failureCount   int
	successCount   int64
	firstFailureAt time.Time
	lastFailureAt  time.Time
	openedAt       time.Time
	trips          int64
	trialInFlight  bool

	now func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown, window time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		window:    window,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed now
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return true
	default:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.failureCount = 0
	b.firstFailureAt = time.Time{}
	b.trialInFlight = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now

	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}
	if b.state == StateOpen {
		return
	}

	if b.failureCount > 0 && b.window > 0 && now.Sub(b.firstFailureAt) > b.window {
		b.failureCount = 0
	}
	if b.failureCount == 0 {
		b.firstFailureAt = now
	}
	b.failureCount++

	if b.failureCount >= b.threshold {
		b.trip(now)
	}
}

// Abort gives back a trial that ended without an outcome, so the next
// Allow in half-open may start a fresh one.
func (b *CircuitBreaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// RetryAfter returns how long until an open breaker will allow a trial
func (b *CircuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	if d := b.cooldown - b.now().Sub(b.openedAt); d > 0 {
		return d
	}
	return 0
}

// Execute runs fn if the breaker allows it and records the outcome
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			b.Abort()
			return err
		}
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
		Trips:         b.trips,
	}
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.openedAt = now
	b.trips++
	b.trialInFlight = false
	b.setState(StateOpen)
}

func (b *CircuitBreaker) setState(s BreakerState) {
	b.state = s
	metrics.BreakerState.Set(float64(s))
}
