package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries with a fixed delay. It drives capture-stream restarts
// and recognizer connects, where the far side either comes back quickly or
// not at all, so growing the delay buys nothing.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// NewRetryPolicy fills non-positive values with the capture defaults of
// three retries one second apart.
func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(fn func() error) error {
	return r.DoContext(context.Background(), func(context.Context) error { return fn() })
}

// DoContext retries fn until it succeeds, retries run out, or ctx ends.
func (r RetryPolicy) DoContext(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		if werr := r.Wait(ctx); werr != nil {
			return werr
		}
	}
	return err
}

// Exhausted reports whether attempt (1-based) is beyond the retry budget.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt > r.MaxRetries
}

// Wait sleeps for one backoff interval or until ctx is done.
func (r RetryPolicy) Wait(ctx context.Context) error {
	if r.Backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
