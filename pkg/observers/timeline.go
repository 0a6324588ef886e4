package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/tutorcall/pkg/metrics"
	"github.com/harunnryd/tutorcall/pkg/redact"
)

const (
	timelineSuffix = ".jsonl"
	usageSuffix    = ".usage.json"
)

// TimelineObserver writes one JSONL file per call session. Entries carry a
// sequence number, the turn they belong to and the offset from the first
// event of the session, so a file reads as the call's stage-by-stage log.
// The file is closed when session_end arrives.
type TimelineObserver struct {
	dir      string
	mu       sync.Mutex
	sessions map[string]*sessionTimeline
}

type sessionTimeline struct {
	f     *os.File
	start time.Time
	seq   int
	turn  int
}

type timelineEvent struct {
	Seq       int               `json:"seq"`
	Turn      int               `json:"turn"`
	Time      time.Time         `json:"time"`
	OffsetMs  int64             `json:"offset_ms"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	ValueMs   float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: strings.TrimSpace(dir), sessions: make(map[string]*sessionTimeline)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sessionOf(ev)
	safe := sanitizeID(id)
	if safe == "" || o.dir == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.openLocked(safe, ev.Time)
	if st == nil {
		return
	}
	st.seq++
	entry := timelineEvent{
		Seq:       st.seq,
		Turn:      st.turn + 1,
		Time:      ev.Time.UTC(),
		OffsetMs:  ev.Time.Sub(st.start).Milliseconds(),
		Event:     ev.Name,
		SessionID: id,
		ValueMs:   ev.Value,
		Tags:      withoutSession(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	switch ev.Name {
	case metrics.EventSessionStart, metrics.EventSessionEnd:
		entry.Turn = 0
	case metrics.EventTurnCompleted, metrics.EventTurnFailed:
		st.turn++
	}
	if line, err := json.Marshal(entry); err == nil {
		_, _ = st.f.Write(append(line, '\n'))
	}
	if ev.Name == metrics.EventSessionEnd {
		_ = st.f.Close()
		delete(o.sessions, safe)
	}
}

// Close closes the files of sessions that never ended.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, st := range o.sessions {
		err = errors.Join(err, st.f.Close())
		delete(o.sessions, id)
	}
	return err
}

func (o *TimelineObserver) openLocked(safe string, at time.Time) *sessionTimeline {
	if st := o.sessions[safe]; st != nil {
		return st
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+timelineSuffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	st := &sessionTimeline{f: f, start: at}
	o.sessions[safe] = st
	return st
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func withoutSession(in map[string]string) map[string]string {
	if len(in) <= 1 {
		return nil
	}
	out := make(map[string]string, len(in)-1)
	for k, v := range in {
		if k == "session_id" {
			continue
		}
		out[k] = v
	}
	return out
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
