package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/tutorcall/pkg/metrics"
)

// LatencyObserver collects stage timings per session and logs one line per
// completed turn.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	transcribeMs float64
	dialogueMs   float64
	synthesizeMs float64
	playbackMs   float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := sessionOf(ev)
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventTurnTranscribe:
		t.transcribeMs = ev.Value
	case metrics.EventTurnDialogue:
		t.dialogueMs = ev.Value
	case metrics.EventTurnSynthesize:
		t.synthesizeMs = ev.Value
	case metrics.EventTurnPlayback:
		t.playbackMs = ev.Value
	case metrics.EventTurnCompleted:
		o.log.Info("latency",
			"session_id", sessionID,
			"transcribe_ms", t.transcribeMs,
			"dialogue_ms", t.dialogueMs,
			"synthesize_ms", t.synthesizeMs,
			"playback_ms", t.playbackMs,
			"turn_ms", ev.Value,
			"reply_ms", t.transcribeMs+t.dialogueMs+t.synthesizeMs,
		)
		delete(o.traces, sessionID)
	case metrics.EventTurnFailed, metrics.EventSessionEnd:
		delete(o.traces, sessionID)
	}
}

// Pending returns how many sessions have a turn in progress.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}
