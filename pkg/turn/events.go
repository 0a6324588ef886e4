package turn

import (
	"sync/atomic"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/conversation"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
)

// EventKind names a controller notification.
type EventKind string

const (
	EventTurnAppended        EventKind = "turn_appended"
	EventStateChanged        EventKind = "state_changed"
	EventError               EventKind = "error"
	EventUtterancePending    EventKind = "utterance_pending"
	EventConversationCleared EventKind = "conversation_cleared"
	EventAudioReady          EventKind = "audio_ready"
)

// Event is delivered to observers in the order it happened. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string
	Time      time.Time

	Turn      *conversation.Turn
	Change    *StateChange
	Err       error
	ErrorKind errorsx.Kind
	Audio     *tts.Audio
	Cleared   int
}

// Observer receives controller events. OnEvent runs on the goroutine that
// caused the event and must not call back into mutating controller methods.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// ChannelObserver forwards events to a buffered channel without blocking.
// Events that do not fit are counted and dropped.
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Int64
}

func NewChannelObserver(size int) *ChannelObserver {
	if size <= 0 {
		size = 64
	}
	return &ChannelObserver{ch: make(chan Event, size)}
}

func (o *ChannelObserver) OnEvent(ev Event) {
	select {
	case o.ch <- ev:
	default:
		o.dropped.Add(1)
	}
}

func (o *ChannelObserver) C() <-chan Event { return o.ch }

func (o *ChannelObserver) Dropped() int64 { return o.dropped.Load() }
