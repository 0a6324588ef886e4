package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

var (
	ErrClosed    = errors.New("browser: session closed")
	ErrQueueFull = errors.New("browser: write queue full")
)

// Session is one connected browser. It is the capture source of the turn
// controller in utterance mode and always its player.
//
// Writes go through a bounded queue drained by a single writer goroutine, so
// Capture methods never block the controller.
type Session struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	paused  bool
	mime    string
	pending map[string]chan struct{}
	events  chan turn.CaptureEvent
}

func newSession(id string, conn *websocket.Conn, cfg Config, logger *slog.Logger) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, cfg.WriteQueue),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With(slog.String("session_id", id)),
		mime:         cfg.DefaultMime,
		pending:      make(map[string]chan struct{}),
		events:       make(chan turn.CaptureEvent, 16),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close drops the connection. Pending playbacks return ErrClosed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Send queues one message for the browser.
func (s *Session) Send(msg OutMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("browser_write_failed",
					slog.String("reason_code", string(errorsx.ReasonTransportSend)),
					slog.String("error", err.Error()))
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) sendError(kind string, err error) {
	_ = s.Send(OutMessage{Type: MsgError, Kind: kind, Message: redact.Credentials(err.Error())})
}

func (s *Session) notifyCapture(action string) {
	if err := s.Send(OutMessage{Type: MsgCapture, Action: action}); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("capture_notify_dropped", slog.String("action", action), slog.String("error", err.Error()))
	}
}

// Start asks the browser to open its microphone.
func (s *Session) Start(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	s.running = true
	s.paused = false
	s.mu.Unlock()
	s.notifyCapture(ActionStart)
	return nil
}

func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.notifyCapture(ActionPause)
}

func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.notifyCapture(ActionResume)
}

func (s *Session) Stop() {
	s.mu.Lock()
	s.running = false
	s.paused = false
	s.mu.Unlock()
	s.notifyCapture(ActionStop)
}

func (s *Session) Events() <-chan turn.CaptureEvent { return s.events }

func (s *Session) setMime(mime string) {
	s.mu.Lock()
	s.mime = mime
	s.mu.Unlock()
}

// onUtterance turns one binary frame into an utterance event. Frames that
// arrive while capture is paused or stopped are dropped.
func (s *Session) onUtterance(data []byte) {
	s.mu.Lock()
	accept := s.running && !s.paused
	mime := s.mime
	s.mu.Unlock()
	if !accept {
		s.logger.Debug("utterance_ignored", slog.Int("bytes", len(data)))
		return
	}
	s.emit(turn.UtteranceEvent(stt.Audio{Data: data, MimeType: mime}))
}

// captureFailed reports a browser-side recorder failure to the controller,
// which decides whether to restart.
func (s *Session) captureFailed(message string) {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning {
		return
	}
	if message == "" {
		message = "recorder stopped"
	}
	s.emit(turn.EndedEvent(fmt.Errorf("browser capture: %s", message)))
}

func (s *Session) emit(ev turn.CaptureEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("capture_event_dropped", slog.String("kind", ev.Kind.String()))
	}
}

// Play sends the clip and waits for the browser to acknowledge it. When ctx
// ends first the browser is told to stop the clip.
func (s *Session) Play(ctx context.Context, clip tts.Audio) error {
	id := uuid.NewString()
	ack := make(chan struct{})
	s.mu.Lock()
	s.pending[id] = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	msg := OutMessage{
		Type: MsgAudio,
		ID:   id,
		Mime: clip.MimeType,
		Data: base64.StdEncoding.EncodeToString(clip.Data),
	}
	if err := s.Send(msg); err != nil {
		return errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonTransportSend)
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		_ = s.Send(OutMessage{Type: MsgPlaybackStop, ID: id})
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) played(id string) {
	s.mu.Lock()
	ack := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ack != nil {
		close(ack)
	}
}

// forward maps controller events onto browser messages.
func (s *Session) forward(ev turn.Event) {
	var msg OutMessage
	switch ev.Kind {
	case turn.EventStateChanged:
		if ev.Change == nil {
			return
		}
		msg = OutMessage{
			Type:   MsgState,
			State:  ev.Change.ToState.String(),
			From:   ev.Change.FromState.String(),
			Reason: ev.Change.Reason,
		}
	case turn.EventTurnAppended:
		msg = OutMessage{Type: MsgTurn, Turn: ev.Turn}
	case turn.EventUtterancePending:
		msg = OutMessage{Type: MsgPending}
	case turn.EventError:
		text := ""
		if ev.Err != nil {
			text = redact.Credentials(ev.Err.Error())
		}
		msg = OutMessage{Type: MsgError, Kind: string(ev.ErrorKind), Message: text}
	case turn.EventConversationCleared:
		msg = OutMessage{Type: MsgCleared, Cleared: ev.Cleared}
	default:
		return
	}
	if err := s.Send(msg); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("event_dropped", slog.String("type", msg.Type), slog.String("error", err.Error()))
	}
}

var (
	_ turn.Capture = (*Session)(nil)
	_ turn.Player  = (*Session)(nil)
)
