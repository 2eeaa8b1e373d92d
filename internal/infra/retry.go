package infra

import (
	"context"
	"math/rand"
	"time"
)

// FailureClass buckets a failed broker call for retry decisions.
type FailureClass int

const (
	// ClassTransient covers network errors and 5xx responses. Retried with
	// exponential backoff, bounded attempts.
	ClassTransient FailureClass = iota
	// ClassRateLimited is a 429. Waits for the server-reported reset.
	ClassRateLimited
	// ClassConflict is a duplicate-operation window violation (409).
	// Terminal; never auto-retried.
	ClassConflict
	// ClassUncertain is a timeout or ambiguous in-flight mutation. Routed
	// to reconciliation, never retried as a placement.
	ClassUncertain
	// ClassClientError is a definite 4xx business failure. Terminal.
	ClassClientError
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassConflict:
		return "conflict"
	case ClassUncertain:
		return "uncertain"
	case ClassClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// ClassifyHTTP maps an HTTP status to a failure class. Status 0 means the
// request never produced a response (connection error).
func ClassifyHTTP(status int) FailureClass {
	switch {
	case status == 0:
		return ClassTransient
	case status == 429:
		return ClassRateLimited
	case status == 409:
		return ClassConflict
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassClientError
	default:
		return ClassTransient
	}
}

const (
	defaultMaxRetries   = 2
	defaultBaseDelay    = 1 * time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultJitterFactor = 0.2
)

// RetryPolicy is the classify -> decide -> wait state machine applied to
// every failed broker call. Deterministic under an injected clock and
// random source.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	clock Clock
	randf func() float64
}

// NewRetryPolicy returns a policy with production defaults.
func NewRetryPolicy() *RetryPolicy {
	return NewRetryPolicyWithClock(SystemClock, rand.Float64)
}

// NewRetryPolicyWithClock injects the clock and random source for tests.
func NewRetryPolicyWithClock(clock Clock, randf func() float64) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   defaultMaxRetries,
		BaseDelay:    defaultBaseDelay,
		MaxDelay:     defaultMaxDelay,
		JitterFactor: defaultJitterFactor,
		clock:        clock,
		randf:        randf,
	}
}

// Decision is the outcome of one retry evaluation.
type Decision struct {
	Retry bool
	Wait  time.Duration
}

// Decide evaluates whether the attempt should be retried and how long to
// wait first. serverReset carries the server-reported reset delay for 429s
// and overrides the backoff schedule when present.
func (p *RetryPolicy) Decide(class FailureClass, attempt int, serverReset time.Duration) Decision {
	switch class {
	case ClassConflict, ClassClientError, ClassUncertain:
		return Decision{}
	case ClassRateLimited:
		if attempt >= p.MaxRetries {
			return Decision{}
		}
		wait := serverReset
		if wait <= 0 {
			wait = p.Backoff(attempt)
		}
		return Decision{Retry: true, Wait: wait}
	case ClassTransient:
		if attempt >= p.MaxRetries {
			return Decision{}
		}
		return Decision{Retry: true, Wait: p.Backoff(attempt)}
	default:
		return Decision{}
	}
}

// Backoff returns the jittered exponential delay for a retry attempt,
// capped at MaxDelay.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return p.MaxDelay
	}

	delay := p.BaseDelay * time.Duration(1<<attempt)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// Symmetric jitter in [-JitterFactor, +JitterFactor].
	jitter := time.Duration(float64(delay) * p.JitterFactor * (2*p.randf() - 1))
	delay += jitter

	if delay < p.BaseDelay/2 {
		delay = p.BaseDelay / 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Sleep waits for d, honoring context cancellation.
func (p *RetryPolicy) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}
