package mock

import (
	"context"
	"sync/atomic"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
)

type STTConfig struct {
	Transcript string
	Err        error
	Block      <-chan struct{}
}

// Transcriber returns a fixed transcript or error.
type Transcriber struct {
	cfg   STTConfig
	calls atomic.Int64
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	return &Transcriber{cfg: cfg}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Transcribe(ctx context.Context, audio stt.Audio, _ stt.Options) (string, error) {
	t.calls.Add(1)
	if err := audio.Validate(); err != nil {
		return "", err
	}
	if err := wait(ctx, t.cfg.Block); err != nil {
		return "", err
	}
	if t.cfg.Err != nil {
		return "", t.cfg.Err
	}
	return t.cfg.Transcript, nil
}

func (t *Transcriber) Calls() int { return int(t.calls.Load()) }

var _ stt.Transcriber = (*Transcriber)(nil)
