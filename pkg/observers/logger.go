package observers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/tutorcall/pkg/metrics"
)

// LoggerObserver writes every metrics event to the log under its own name.
// Failure and degradation events log at Warn so they show at the default
// level; the rest stay at Debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := levelFor(ev.Name)
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields))
		for k, v := range ev.Fields {
			fields = append(fields, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.log.LogAttrs(ctx, level, ev.Name, attrs...)
}

func levelFor(name string) slog.Level {
	switch name {
	case metrics.EventTurnFailed, metrics.EventCaptureExhausted, metrics.EventBreakerOpen,
		metrics.EventBreakerDenied, metrics.EventMetricsDropped:
		return slog.LevelWarn
	case metrics.EventCaptureRetry, metrics.EventRateLimit, metrics.EventLLMRetry:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// MultiObserver fans one event out to every observer in order.
type MultiObserver struct {
	list []metrics.Observer
}

// NewMultiObserver skips nil members.
func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		if obs != nil {
			m.list = append(m.list, obs)
		}
	}
	return m
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}

// Flush flushes every member that supports it.
func (m *MultiObserver) Flush() error {
	var err error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			err = errors.Join(err, f.Flush())
		}
	}
	return err
}

func sessionOf(ev metrics.MetricsEvent) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags["session_id"]
}
