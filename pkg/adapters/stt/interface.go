package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
)

// MaxAudioBytes bounds a single utterance upload.
const MaxAudioBytes = 10 << 20

// Audio is one captured utterance.
type Audio struct {
	Data     []byte
	MimeType string
	Filename string
}

// Options carries per-request recognition hints.
type Options struct {
	Language string
}

// Transcriber defines the contract for any speech-to-text vendor.
// An empty transcript is a valid result (silence), not an error.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe converts one utterance to text.
	Transcribe(ctx context.Context, audio Audio, opts Options) (string, error)
}

// Validate rejects buffers a vendor should never receive.
func (a Audio) Validate() error {
	if len(a.Data) == 0 {
		return fmt.Errorf("empty audio buffer")
	}
	if len(a.Data) > MaxAudioBytes {
		return errorsx.Wrap(fmt.Errorf("audio buffer of %d bytes exceeds %d", len(a.Data), MaxAudioBytes), errorsx.ReasonSTTTooLarge)
	}
	return nil
}

// FileName returns a filename whose extension matches the mime type; some
// vendors sniff the container from it.
func (a Audio) FileName() string {
	if a.Filename != "" {
		return a.Filename
	}
	mime := strings.ToLower(a.MimeType)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	switch mime {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "audio.wav"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	default:
		return "audio.webm"
	}
}
