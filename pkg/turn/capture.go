package turn

import (
	"context"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
)

// CaptureEventKind tells the controller what a capture event carries.
type CaptureEventKind int

const (
	// CaptureUtterance carries one finalized utterance that still needs transcription.
	CaptureUtterance CaptureEventKind = iota
	// CaptureTranscript carries text already recognized by a streaming recognizer.
	CaptureTranscript
	// CaptureEnded reports that the capture stream dropped.
	CaptureEnded
)

func (k CaptureEventKind) String() string {
	switch k {
	case CaptureUtterance:
		return "utterance"
	case CaptureTranscript:
		return "transcript"
	case CaptureEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type CaptureEvent struct {
	Kind  CaptureEventKind
	Audio stt.Audio
	Text  string
	Err   error
}

func UtteranceEvent(audio stt.Audio) CaptureEvent {
	return CaptureEvent{Kind: CaptureUtterance, Audio: audio}
}

func TranscriptEvent(text string) CaptureEvent {
	return CaptureEvent{Kind: CaptureTranscript, Text: text}
}

func EndedEvent(err error) CaptureEvent {
	return CaptureEvent{Kind: CaptureEnded, Err: err}
}

// Capture is the microphone side of a call session.
//
// Events must stay open for the lifetime of the Capture; Stop ends the
// stream without emitting CaptureEnded. Pause and Resume are idempotent.
type Capture interface {
	Start(ctx context.Context) error
	Pause()
	Resume()
	Stop()
	Events() <-chan CaptureEvent
}

// Player renders synthesized audio to the user. Play blocks until playback
// finished or ctx is done; on cancellation it must stop any audible output.
type Player interface {
	Play(ctx context.Context, audio tts.Audio) error
}
