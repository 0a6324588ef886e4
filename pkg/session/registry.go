package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDraining  = errors.New("session: registry is draining")
	ErrDuplicate = errors.New("session: id already registered")
)

// Session is one live call. Conn is closed by CloseAll during shutdown; the
// owner of the connection removes the session once it has cleaned up.
type Session struct {
	ID      string
	Conn    io.Closer
	Created time.Time
}

// Registry tracks live sessions so shutdown can close them and wait.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
	timeout  time.Duration
}

// NewRegistry bounds Drain by timeout (10s when <= 0).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{timeout: timeout}
}

func (r *Registry) Add(id string, conn io.Closer) (*Session, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}
	sess := &Session{ID: id, Conn: conn, Created: time.Now()}
	if _, loaded := r.sessions.LoadOrStore(id, sess); loaded {
		return nil, ErrDuplicate
	}
	r.count.Add(1)
	return sess, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Remove forgets a session without closing it.
func (r *Registry) Remove(id string) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll closes every connection. Sessions stay registered until their
// owners remove them.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(_, value any) bool {
		if sess, ok := value.(*Session); ok && sess.Conn != nil {
			_ = sess.Conn.Close()
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Drain refuses new sessions, closes the live ones and waits for them to
// unregister, until ctx ends or the registry timeout passes.
func (r *Registry) Drain(ctx context.Context) error {
	r.SetDraining(true)
	r.CloseAll()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if !r.WaitForEmpty(ctx, 50*time.Millisecond) {
		return fmt.Errorf("session: drain timed out with %d live", r.Count())
	}
	return nil
}
