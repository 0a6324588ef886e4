package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/logging"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

// Controller is the part of turn.Controller the bridge drives.
type Controller interface {
	Initialize(cfg turn.Config) error
	StartListening(ctx context.Context) error
	StopListening() error
	CancelSpeech() error
	ClearConversation()
	OnMuteChanged(muted bool)
	Reset() error
	AddObserver(o turn.Observer)
	Dispose()
}

// AudioSink receives raw PCM in stream mode.
type AudioSink interface {
	Write(pcm []byte) error
}

// Binding is what a Factory attaches to a new session.
type Binding struct {
	Controller Controller
	// Config is the base configuration; start controls overlay it.
	Config turn.Config
	// Sink switches the session to stream mode when set.
	Sink AudioSink
	// Release runs after the controller is disposed.
	Release func()
}

// Factory builds the controller of a freshly connected session.
type Factory func(ctx context.Context, s *Session) (Binding, error)

// Handler upgrades browser connections and runs one session per socket.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	factory  Factory
	logger   *slog.Logger
	draining atomic.Bool
}

func NewHandler(cfg Config, factory Factory, logger *slog.Logger) *Handler {
	cfg = cfg.withDefaults()
	h := &Handler{
		cfg:     cfg,
		factory: factory,
		logger:  logging.NewComponentLogger(logger, "browser"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	h.upgrader.CheckOrigin = cfg.checkOrigin
	return h
}

// SetDraining refuses new sessions while true.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := newSession(uuid.NewString(), conn, h.cfg, h.logger)
	go sess.writeLoop()
	defer sess.Close()

	b, err := h.factory(ctx, sess)
	if err != nil {
		h.logger.Error("session_create_failed", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
		sess.sendError(string(errorsx.KindOf(err)), err)
		return
	}
	ctrl := b.Controller
	defer func() {
		ctrl.Dispose()
		if b.Release != nil {
			b.Release()
		}
		sess.logger.Info("session_closed")
	}()
	ctrl.AddObserver(turn.ObserverFunc(sess.forward))
	mode := "utterance"
	if b.Sink != nil {
		mode = "stream"
	}
	sess.logger.Info("session_opened", slog.String("mode", mode), slog.String("remote", r.RemoteAddr))
	_ = sess.Send(OutMessage{Type: MsgReady, SessionID: sess.ID()})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("session_read_ended", slog.String("error", err.Error()))
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if b.Sink == nil {
				sess.onUtterance(data)
				continue
			}
			if err := b.Sink.Write(data); err != nil {
				sess.logger.Debug("pcm_write_failed", slog.String("error", err.Error()))
			}
		case websocket.TextMessage:
			var msg InMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				sess.sendError("protocol", errors.New("invalid control message"))
				continue
			}
			h.control(ctx, sess, b, msg)
		}
	}
}

func (h *Handler) control(ctx context.Context, sess *Session, b Binding, msg InMessage) {
	ctrl := b.Controller
	var err error
	switch msg.Type {
	case CtlStart:
		if msg.Mime != "" {
			sess.setMime(msg.Mime)
		}
		ctrl.OnMuteChanged(msg.Muted)
		if ierr := ctrl.Initialize(overlay(b.Config, msg)); ierr != nil && !errors.Is(ierr, turn.ErrNotIdle) {
			err = ierr
			break
		}
		err = ctrl.StartListening(ctx)
		var streamErr *errorsx.CaptureStreamError
		if errors.As(err, &streamErr) {
			// already reported through the error event
			err = nil
		}
	case CtlStop:
		err = ctrl.StopListening()
	case CtlMute:
		ctrl.OnMuteChanged(true)
	case CtlUnmute:
		ctrl.OnMuteChanged(false)
	case CtlCancel:
		err = ctrl.CancelSpeech()
	case CtlClear:
		ctrl.ClearConversation()
	case CtlReset:
		err = ctrl.Reset()
	case CtlPlayed:
		sess.played(msg.ID)
	case CtlCaptureError:
		sess.captureFailed(msg.Message)
	default:
		err = errors.New("unknown control " + msg.Type)
		sess.sendError("protocol", err)
		return
	}
	if err != nil {
		sess.logger.Warn("control_failed", slog.String("control", msg.Type), slog.String("error", err.Error()))
		sess.sendError(controlErrorKind(err), err)
	}
}

func overlay(cfg turn.Config, msg InMessage) turn.Config {
	if msg.Language != "" {
		cfg.Language = msg.Language
		cfg.Voice.Language = ""
	}
	if msg.Voice != "" {
		cfg.Voice.Name = msg.Voice
		cfg.Voice.Language = ""
	}
	if msg.Rate != "" {
		cfg.Voice.Rate = msg.Rate
	}
	if msg.Pitch != "" {
		cfg.Voice.Pitch = msg.Pitch
	}
	return cfg
}

func controlErrorKind(err error) string {
	switch {
	case errors.Is(err, turn.ErrNeedsReset), errors.Is(err, turn.ErrNotInError), errors.Is(err, turn.ErrNotIdle):
		return "state"
	default:
		return string(errorsx.KindOf(err))
	}
}
