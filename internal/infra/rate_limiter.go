package infra

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is the single process-wide throttle for broker mutations.
// Token bucket with one twist: a server-reported reset deadline (from 429
// rate-limit headers) strictly overrides the bucket schedule until it
// passes.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	resetUntil time.Time
	clock      Clock
}

// NewRateLimiter creates a limiter with the given burst size and refill
// rate. The broker allows one mutation per second by default.
func NewRateLimiter(burst int, perSecond float64) *RateLimiter {
	return NewRateLimiterWithClock(burst, perSecond, SystemClock)
}

// NewRateLimiterWithClock injects a clock for deterministic tests.
func NewRateLimiterWithClock(burst int, perSecond float64, clock Clock) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

// Acquire blocks until a token is available and any server reset deadline
// has passed, or the context is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		now := r.clock.Now()

		var wait time.Duration
		switch {
		case now.Before(r.resetUntil):
			wait = r.resetUntil.Sub(now)
		case r.tokens >= 1:
			r.tokens--
			r.mu.Unlock()
			return nil
		default:
			wait = time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// TryAcquire attempts to take a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.clock.Now().Before(r.resetUntil) {
		return false
	}
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// NoteReset records a server-reported reset delay. The bucket is drained so
// no mutation goes out before the deadline, regardless of accrued tokens.
func (r *RateLimiter) NoteReset(after time.Duration) {
	if after <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := r.clock.Now().Add(after)
	if deadline.After(r.resetUntil) {
		r.resetUntil = deadline
		r.tokens = 0
	}
}

// Remaining returns the current token count for near-limit telemetry.
func (r *RateLimiter) Remaining() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// refill adds tokens for elapsed time. Must be called with the mutex held.
func (r *RateLimiter) refill() {
	now := r.clock.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}
