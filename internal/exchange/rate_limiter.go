package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests to one exchange endpoint and backs off
// adaptively after the exchange reports rate limiting.
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	// Rate limit tracking
	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	// Adaptive backoff
	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

func NewRateLimiter(name string, rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		name:              name,
		limiter:           rate.NewLimiter(limit, burst),
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}
}

// Wait blocks until a request may be made (or ctx ends)
func (e *RateLimiter) Wait(ctx context.Context) error {
	e.mu.RLock()
	backoffDuration := e.backoffDuration
	e.mu.RUnlock()

	if backoffDuration > 0 {
		t := time.NewTimer(backoffDuration)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.requestCount++
	e.mu.Unlock()
	return nil
}

// RecordRateLimitHit grows the backoff by the multiplier, starting at 1s
func (e *RateLimiter) RecordRateLimitHit() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rateLimitHits++
	e.lastRateLimitHit = time.Now()

	if e.backoffDuration == 0 {
		e.backoffDuration = 1 * time.Second
	} else {
		e.backoffDuration = time.Duration(float64(e.backoffDuration) * e.backoffMultiplier)
		if e.backoffDuration > e.maxBackoff {
			e.backoffDuration = e.maxBackoff
		}
	}
}

// RecordSuccess decays the backoff, clearing it 5m after the last hit
func (e *RateLimiter) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backoffDuration > 0 {
		if time.Since(e.lastRateLimitHit) > 5*time.Minute {
			e.backoffDuration = 0
		} else {
			e.backoffDuration = time.Duration(float64(e.backoffDuration) * 0.9)
			if e.backoffDuration < time.Second {
				e.backoffDuration = 0
			}
		}
	}
}

func (e *RateLimiter) Backoff() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backoffDuration
}

// LimiterStats is the health view of one limiter
type LimiterStats struct {
	Name             string     `json:"name"`
	Requests         int64      `json:"requests"`
	RateLimitHits    int64      `json:"rate_limit_hits"`
	LastRateLimitAt  *time.Time `json:"last_rate_limit_at,omitempty"`
	CurrentBackoffMs int64      `json:"current_backoff_ms"`
}

func (e *RateLimiter) GetStats() LimiterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := LimiterStats{
		Name:             e.name,
		Requests:         e.requestCount,
		RateLimitHits:    e.rateLimitHits,
		CurrentBackoffMs: e.backoffDuration.Milliseconds(),
	}
	if !e.lastRateLimitHit.IsZero() {
		last := e.lastRateLimitHit
		st.LastRateLimitAt = &last
	}
	return st
}
