package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/logging"
	"github.com/harunnryd/tutorcall/pkg/resilience"
	"github.com/harunnryd/tutorcall/pkg/turn"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errConnect = errors.New("deepgram connection failed")

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	UtteranceEndMS int
	SessionID      string
	// ConnectRetries is how often a failed connect is retried inside Start;
	// 0 means 2 and a negative value disables retries.
	ConnectRetries int
	ConnectBackoff time.Duration
}

// wsClient is the part of the SDK websocket client the recognizer drives.
type wsClient interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, cfg Config, cb msginterfaces.LiveMessageCallback) (wsClient, error)

// Recognizer is a turn.Capture backed by a Deepgram live websocket. PCM is
// pushed in with Write; final transcripts come out as CaptureTranscript.
type Recognizer struct {
	cfg    Config
	dial   dialFunc
	events chan turn.CaptureEvent
	logger *slog.Logger

	mu         sync.Mutex
	conn       wsClient
	pipeWriter *io.PipeWriter
	gen        uint64
	running    bool
	paused     bool
	ended      bool
	segments   []string
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.UtteranceEndMS == 0 {
		cfg.UtteranceEndMS = 1000
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 2
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 250 * time.Millisecond
	}
	return &Recognizer{
		cfg:    cfg,
		dial:   dialSDK,
		events: make(chan turn.CaptureEvent, 32),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt").With(slog.String("session_id", cfg.SessionID)),
	}
}

func (s *Recognizer) Name() string { return "deepgram_streaming" }

func dialSDK(ctx context.Context, cfg Config, cb msginterfaces.LiveMessageCallback) (wsClient, error) {
	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
		UtteranceEndMs: fmt.Sprintf("%d", cfg.UtteranceEndMS),
	}
	dgClient, err := client.NewWSUsingCallback(ctx, cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return nil, err
	}
	return dgClient, nil
}

func (s *Recognizer) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errorsx.NewNotConfigured("deepgram.api_key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.gen++
	cb := &callback{parent: s, gen: s.gen}

	s.logger.Info("initializing deepgram connection",
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	var conn wsClient
	attempt := 0
	policy := resilience.RetryPolicy{MaxRetries: s.cfg.ConnectRetries, Backoff: s.cfg.ConnectBackoff}
	err := policy.DoContext(ctx, func(ctx context.Context) error {
		attempt++
		c, err := s.dial(ctx, s.cfg, cb)
		if err != nil {
			s.logger.Warn("deepgram_client_create_error", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		if !c.Connect() {
			s.logger.Warn("deepgram_connect_failed", slog.Int("attempt", attempt))
			return errConnect
		}
		conn = c
		return nil
	})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("deepgram connect after %d attempts: %w", attempt, err), errorsx.ReasonCaptureStream)
	}

	pr, pw := io.Pipe()
	s.conn = conn
	s.pipeWriter = pw
	s.running = true
	s.paused = false
	s.ended = false
	s.segments = nil

	go func() {
		if err := conn.Stream(pr); err != nil && ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.streamEnded(cb.gen, err)
		}
	}()
	s.logger.Info("deepgram_connected")
	return nil
}

// Write forwards PCM to the live stream. Audio is discarded while paused or
// stopped so nothing said during a reply reaches the recognizer.
func (s *Recognizer) Write(pcm []byte) error {
	s.mu.Lock()
	if !s.running || s.paused || s.pipeWriter == nil {
		s.mu.Unlock()
		return nil
	}
	w := s.pipeWriter
	s.mu.Unlock()
	if _, err := w.Write(pcm); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Error("failed to send audio to deepgram", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *Recognizer) Pause() {
	s.mu.Lock()
	s.paused = true
	s.segments = nil
	s.mu.Unlock()
}

func (s *Recognizer) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Stop closes the connection without reporting CaptureEnded.
func (s *Recognizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	conn, w := s.conn, s.pipeWriter
	s.conn, s.pipeWriter = nil, nil
	s.segments = nil
	s.mu.Unlock()

	s.logger.Info("closing deepgram connection")
	if w != nil {
		_ = w.Close()
	}
	if conn != nil {
		conn.Stop()
	}
}

func (s *Recognizer) Events() <-chan turn.CaptureEvent { return s.events }

// onTranscript buffers final segments and emits the utterance once the
// speaker is done.
func (s *Recognizer) onTranscript(gen uint64, text string, isFinal, speechFinal bool) {
	s.mu.Lock()
	if gen != s.gen || !s.running || s.paused {
		s.mu.Unlock()
		return
	}
	if isFinal && strings.TrimSpace(text) != "" {
		s.segments = append(s.segments, strings.TrimSpace(text))
	}
	if !speechFinal {
		s.mu.Unlock()
		return
	}
	utterance := strings.Join(s.segments, " ")
	s.segments = nil
	s.mu.Unlock()
	s.flush(utterance)
}

func (s *Recognizer) onUtteranceEnd(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.running || s.paused || len(s.segments) == 0 {
		s.mu.Unlock()
		return
	}
	utterance := strings.Join(s.segments, " ")
	s.segments = nil
	s.mu.Unlock()
	s.flush(utterance)
}

func (s *Recognizer) flush(utterance string) {
	if strings.TrimSpace(utterance) == "" {
		return
	}
	s.logger.Debug("transcript_final", slog.Int("chars", len(utterance)))
	s.emit(turn.TranscriptEvent(utterance))
}

// streamEnded reports an unexpected close once per connection.
func (s *Recognizer) streamEnded(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.running || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.running = false
	conn, w := s.conn, s.pipeWriter
	s.conn, s.pipeWriter = nil, nil
	s.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
	if conn != nil {
		// Stop may re-enter the callbacks; keep it off the SDK goroutine.
		go conn.Stop()
	}
	s.emit(turn.EndedEvent(err))
}

func (s *Recognizer) emit(ev turn.CaptureEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("deepgram_events_channel_full", slog.String("kind", ev.Kind.String()))
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *Recognizer
	gen    uint64
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.parent.onTranscript(c.gen, mr.Channel.Alternatives[0].Transcript, mr.IsFinal, mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.onUtteranceEnd(c.gen)
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.streamEnded(c.gen, errors.New("deepgram connection closed"))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.streamEnded(c.gen, fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var _ turn.Capture = (*Recognizer)(nil)
