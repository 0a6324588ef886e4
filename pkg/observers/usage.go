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
)

// UsageSummary is the billable footprint of one session.
type UsageSummary struct {
	SessionID        string `json:"session_id"`
	Turns            int    `json:"turns"`
	TranscribedBytes int    `json:"transcribed_bytes"`
	SynthesizedChars int    `json:"synthesized_chars"`
	SynthesizedBytes int    `json:"synthesized_bytes"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	RecordedAtUTC    string `json:"recorded_at_utc"`
}

// UsageObserver sums provider usage per session and writes one
// <session>.usage.json file per session on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sessionOf(ev)
	if id == "" {
		return
	}
	if ev.Tags["status"] == "error" {
		return
	}
	switch ev.Name {
	case metrics.EventTurnTranscribe, metrics.EventTurnDialogue, metrics.EventTurnSynthesize, metrics.EventTurnCompleted:
	default:
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventTurnTranscribe:
		stat.TranscribedBytes += intField(ev.Fields, "input_bytes")
	case metrics.EventTurnDialogue:
		stat.PromptTokens += intField(ev.Fields, "prompt_tokens")
		stat.CompletionTokens += intField(ev.Fields, "completion_tokens")
		stat.TotalTokens += intField(ev.Fields, "total_tokens")
	case metrics.EventTurnSynthesize:
		stat.SynthesizedChars += intField(ev.Fields, "chars")
		stat.SynthesizedBytes += intField(ev.Fields, "audio_bytes")
	case metrics.EventTurnCompleted:
		stat.Turns++
	}
}

// Summary returns a copy of the running totals for one session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stats) == 0 {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+usageSuffix)
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
