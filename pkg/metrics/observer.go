package metrics

import "time"

// Event names recorded by the turn pipeline and the service clients.
const (
	EventTurnTranscribe = "turn_transcribe"
	EventTurnDialogue   = "turn_dialogue"
	EventTurnSynthesize = "turn_synthesize"
	EventTurnPlayback   = "turn_playback"
	EventTurnCompleted  = "turn_completed"
	EventTurnFailed     = "turn_failed"

	EventUtteranceDropped = "utterance_dropped"
	EventCaptureRetry     = "capture_retry"
	EventCaptureExhausted = "capture_exhausted"

	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"
	EventLLMRetry      = "llm_retry"

	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"

	EventMetricsDropped = "metrics_dropped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Since returns the elapsed milliseconds since start, for stage timings.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
