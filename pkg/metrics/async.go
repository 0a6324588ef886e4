package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// AsyncObserver moves event delivery off the caller's goroutine so a slow
// file or log sink never stalls a turn. Events are dropped, and counted,
// when the buffer is full; Close reports the loss as EventMetricsDropped.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	quit    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if inner == nil {
		inner = NoopObserver{}
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	select {
	case <-a.quit:
		return
	default:
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close delivers what is buffered, then flushes the inner observer. Only the
// first call does any work.
func (a *AsyncObserver) Close() error {
	var err error
	a.once.Do(func() {
		close(a.quit)
		<-a.done
		if n := a.dropped.Load(); n > 0 {
			a.inner.RecordEvent(MetricsEvent{Name: EventMetricsDropped, Time: time.Now(), Value: float64(n)})
		}
		if f, ok := a.inner.(Flusher); ok {
			err = f.Flush()
		}
	})
	return err
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.ch:
			a.inner.RecordEvent(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.ch:
					a.inner.RecordEvent(ev)
				default:
					return
				}
			}
		}
	}
}
