package tts

import (
	"context"
	"strings"
)

// Voice selects how a reply is spoken. Rate and Pitch use the SSML relative
// form ("+10%", "-5%", "0%").
type Voice struct {
	Name     string
	Rate     string
	Pitch    string
	Language string
}

// Audio is a synthesized clip ready for playback.
type Audio struct {
	Data     []byte
	MimeType string
}

// Synthesizer defines the contract for any text-to-speech vendor.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize renders text to a complete audio clip.
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)
}

// WithDefaults fills blank fields from fallback.
func (v Voice) WithDefaults(fallback Voice) Voice {
	if strings.TrimSpace(v.Name) == "" {
		v.Name = fallback.Name
	}
	if strings.TrimSpace(v.Rate) == "" {
		v.Rate = fallback.Rate
	}
	if strings.TrimSpace(v.Pitch) == "" {
		v.Pitch = fallback.Pitch
	}
	if strings.TrimSpace(v.Language) == "" {
		v.Language = fallback.Language
	}
	return v
}
