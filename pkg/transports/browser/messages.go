package browser

import "github.com/harunnryd/tutorcall/pkg/conversation"

// Server to browser message types.
const (
	MsgReady        = "ready"
	MsgState        = "state"
	MsgTurn         = "turn"
	MsgPending      = "pending"
	MsgError        = "error"
	MsgAudio        = "audio"
	MsgPlaybackStop = "playback_stop"
	MsgCapture      = "capture"
	MsgCleared      = "cleared"
)

// Browser to server control types.
const (
	CtlStart        = "start"
	CtlStop         = "stop"
	CtlMute         = "mute"
	CtlUnmute       = "unmute"
	CtlCancel       = "cancel"
	CtlClear        = "clear"
	CtlReset        = "reset"
	CtlPlayed       = "played"
	CtlCaptureError = "capture_error"
)

// Capture actions carried by MsgCapture.
const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// OutMessage is every JSON frame the server sends. Only the fields relevant
// to Type are set.
type OutMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId,omitempty"`
	State     string             `json:"state,omitempty"`
	From      string             `json:"from,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Turn      *conversation.Turn `json:"turn,omitempty"`
	Kind      string             `json:"kind,omitempty"`
	Message   string             `json:"message,omitempty"`
	ID        string             `json:"id,omitempty"`
	Mime      string             `json:"mime,omitempty"`
	Data      string             `json:"data,omitempty"`
	Action    string             `json:"action,omitempty"`
	Cleared   int                `json:"cleared,omitempty"`
}

// InMessage is a JSON control sent by the browser.
type InMessage struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Rate     string `json:"rate,omitempty"`
	Pitch    string `json:"pitch,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
	ID       string `json:"id,omitempty"`
	Message  string `json:"message,omitempty"`
}
