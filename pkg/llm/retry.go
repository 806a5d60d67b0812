package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// RetryConfig tunes Retry. Zero values pick 3 attempts, 100ms base delay
// and a 2s cap.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	return c
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retry calls fn until it succeeds, returns a final error or runs out of
// attempts. Delays double per attempt up to MaxDelay; a rate limit's
// RetryAfter replaces the computed delay when it is longer. The returned
// error keeps any reason fn attached, otherwise it carries
// errorsx.ReasonModelGenerate.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (Response, error)) (Response, error) {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}
		cfg.Sleep(cfg.delay(err, attempt, rng))
	}
	reason := errorsx.ReasonModelGenerate
	if resilience.IsRateLimit(lastErr) {
		reason = errorsx.ReasonModelRateLimit
	}
	return Response{}, errorsx.Wrap(fmt.Errorf("llm retry failed: %w", lastErr), reason)
}

func (c RetryConfig) delay(err error, attempt int, rng *rand.Rand) time.Duration {
	d := c.BaseDelay << attempt
	if d <= 0 || d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter > 0 {
		d += time.Duration(float64(d) * c.Jitter * rng.Float64())
	}
	if after, ok := resilience.RetryAfter(err); ok && after > d {
		d = min(after, c.MaxDelay)
	}
	return d
}

// DefaultIsRetryable retries network failures, rate limits and 5xx
// responses. Client errors and cancellation are final.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resilience.IsRateLimit(err) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode >= 500
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
