package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response. RetryAfter is
// the provider's requested wait, zero when it gave none.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RetryAfter returns the wait a rate limited provider asked for.
func RetryAfter(err error) (time.Duration, bool) {
	var rl RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// AnyFailure trips on every error except caller cancellation.
func AnyFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithTrip sets which errors count toward opening the breaker. The default
// counts rate limits only.
func WithTrip(trip func(error) bool) BreakerOption {
	return func(c *CircuitBreaker) {
		if trip != nil {
			c.trip = trip
		}
	}
}

// CircuitBreaker blocks requests after repeated failures. Once the cooldown
// has passed a single probe request is let through; its outcome closes or
// reopens the breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	probing   bool
	trip      func(error) bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	c := &CircuitBreaker{threshold: threshold, cooldown: cooldown, trip: IsRateLimit, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allow reports whether a request may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return true
	}
	if c.now().Before(c.openUntil) || c.probing {
		return false
	}
	c.probing = true
	return true
}

// State reports the breaker position without consuming the probe.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.openUntil.IsZero():
		return BreakerClosed
	case c.now().Before(c.openUntil) || c.probing:
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.probing = false
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasProbe := c.probing
	c.probing = false
	if !c.trip(err) {
		if wasProbe {
			// The probe did not fail in a way that counts; let the next one through.
			c.openUntil = c.now()
		}
		return
	}
	c.failures++
	if wasProbe || c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
	}
}
