package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
)

type TTSConfig struct {
	Audio tts.Audio
	Err   error
	Block <-chan struct{}
}

// Synthesizer returns a fixed clip and records the texts it rendered.
type Synthesizer struct {
	cfg   TTSConfig
	mu    sync.Mutex
	texts []string
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if len(cfg.Audio.Data) == 0 && cfg.Err == nil {
		cfg.Audio = tts.Audio{Data: []byte("mock-audio"), MimeType: "audio/mpeg"}
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, _ tts.Voice) (tts.Audio, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if err := wait(ctx, s.cfg.Block); err != nil {
		return tts.Audio{}, err
	}
	if s.cfg.Err != nil {
		return tts.Audio{}, s.cfg.Err
	}
	return s.cfg.Audio, nil
}

func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
