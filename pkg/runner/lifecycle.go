package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrAlreadyStarted = errors.New("runner: already started")

// LifecycleRunner prints the banner, runs OnStart, serves until its context
// ends, then drains and runs OnStop exactly once. Drain and OnStop each get
// their own deadline of the configured timeout.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		log:     slog.Default().With(slog.String("component", "runner")),
	}
}

// WithLogger replaces the runner's logger.
func (r *LifecycleRunner) WithLogger(log *slog.Logger) *LifecycleRunner {
	if log != nil {
		r.log = log
	}
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	PrintBanner()
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.log.Error("start_failed", slog.String("error", err.Error()))
			return errors.Join(err, r.stop())
		}
	}
	r.state.Store(int32(StateRunning))
	r.log.Info("running")
	<-runCtx.Done()
	return r.stop()
}

// Stop ends Run early. It is safe to call before Run or more than once.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		start := time.Now()
		var errs []error
		if r.drainer != nil {
			if err := r.drain(); err != nil {
				errs = append(errs, err)
			}
		}
		if r.hooks.OnStop != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := r.hooks.OnStop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop: %w", err))
			}
			cancel()
		}
		r.stopErr = errors.Join(errs...)
		r.state.Store(int32(StateStopped))
		r.log.Info("stopped", slog.Int64("shutdown_ms", time.Since(start).Milliseconds()))
	})
	return r.stopErr
}

// drain gives up at the deadline even when the drainer ignores ctx.
func (r *LifecycleRunner) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		return nil
	case <-ctx.Done():
		r.log.Warn("drain_timeout", slog.Duration("timeout", r.timeout))
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}
