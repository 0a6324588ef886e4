package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/metrics"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

// ResilientAdapter wraps an LLMAdapter with rate-limit circuit breaking and
// bounded retries, and tags every failure as a dialogue service error.
type ResilientAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	retry   RetryConfig
	obs     metrics.Observer

	mu      sync.Mutex
	tripped bool
}

func NewResilientAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker, retry RetryConfig) *ResilientAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	a := &ResilientAdapter{inner: inner, breaker: breaker, retry: retry}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			a.record(metrics.EventLLMRetry, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"reason":   string(errorsx.Reason(err)),
			})
		}
	}
	return a
}

func (a *ResilientAdapter) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *ResilientAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *ResilientAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if !a.breaker.Allow() {
		wait := a.breaker.Remaining()
		a.record(metrics.EventBreakerDenied, map[string]any{"remaining_ms": wait.Milliseconds()})
		rl := resilience.RateLimitError{Provider: a.Name(), Message: "circuit open", RetryAfter: wait}
		return Response{}, errorsx.NewServiceError(errorsx.ServiceDialogue, a.Name(), errorsx.Wrap(rl, errorsx.ReasonLLMCircuitOpen))
	}
	resp, err := Retry(ctx, a.retry, func(ctx context.Context) (Response, error) {
		resp, err := a.inner.Generate(ctx, req)
		if err != nil {
			if resilience.IsRateLimit(err) {
				a.record(metrics.EventRateLimit, nil)
			}
			if a.breaker.OnError(err) {
				a.setTripped(true)
			}
			return Response{}, err
		}
		return resp, nil
	})
	if err != nil {
		reason := errorsx.ReasonLLMGenerate
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		return Response{}, errorsx.NewServiceError(errorsx.ServiceDialogue, a.Name(), errorsx.Wrap(err, reason))
	}
	a.breaker.OnSuccess()
	a.setTripped(false)
	return resp, nil
}

func (a *ResilientAdapter) record(name string, fields map[string]any) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
		Fields: fields,
	})
}

// setTripped emits breaker_open and breaker_close on edges only.
func (a *ResilientAdapter) setTripped(tripped bool) {
	a.mu.Lock()
	changed := a.tripped != tripped
	a.tripped = tripped
	a.mu.Unlock()
	if !changed {
		return
	}
	if tripped {
		a.record(metrics.EventBreakerOpen, nil)
		return
	}
	a.record(metrics.EventBreakerClose, nil)
}

var _ LLMAdapter = (*ResilientAdapter)(nil)
