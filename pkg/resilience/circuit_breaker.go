package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is a provider refusing work because of quota. RetryAfter is
// the provider's hint, zero when it sent none.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	if e.Provider == "" {
		return msg
	}
	return e.Provider + ": " + msg
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// CircuitBreaker opens after threshold consecutive rate limits and stays
// open for the cooldown or the provider's RetryAfter, whichever is longer.
// Errors other than rate limits leave it untouched.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (c *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *CircuitBreaker) Allow() bool {
	return c.State() == BreakerClosed
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.openUntil) {
		return BreakerOpen
	}
	return BreakerClosed
}

// Remaining is how long the breaker stays open.
func (c *CircuitBreaker) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.openUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError counts rate limits and reports whether this call opened the breaker.
func (c *CircuitBreaker) OnError(err error) bool {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.threshold {
		return false
	}
	now := c.now()
	wasOpen := now.Before(c.openUntil)
	c.openUntil = now.Add(max(c.cooldown, rl.RetryAfter))
	return !wasOpen
}
