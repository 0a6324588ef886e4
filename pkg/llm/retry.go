package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

// RetryConfig bounds the retries of one dialogue call. A spoken turn cannot
// wait long, so a provider asking for more than MaxDelay ends the loop and
// leaves recovery to the circuit breaker.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the delay at random.
	Jitter      float64
	IsRetryable func(error) bool
	// Sleep waits between attempts; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry runs before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
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
		c.Sleep = sleepContext
	}
	return c
}

// Retry calls fn until it succeeds, fails permanently or runs out of attempts.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == cfg.MaxAttempts || !cfg.IsRetryable(err) {
			break
		}
		delay, ok := cfg.delay(attempt, err)
		if !ok {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("llm retry failed: %w", lastErr)
}

// delay is the wait after attempt. ok is false when the provider's
// Retry-After exceeds MaxDelay.
func (c RetryConfig) delay(attempt int, err error) (time.Duration, bool) {
	var rl resilience.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, rl.RetryAfter <= c.MaxDelay
	}
	d := c.BaseDelay << (attempt - 1)
	if d <= 0 || d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter > 0 {
		d += time.Duration(float64(d) * c.Jitter * rand.Float64())
	}
	return d, true
}

// DefaultIsRetryable retries transport and rate-limit failures. Bad payloads
// and missing credentials fail the same way on every attempt.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errorsx.IsMalformed(err) || errorsx.IsNotConfigured(err) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return true
}

// StatusError is a non-2xx provider response other than a rate limit.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
