package turn

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/conversation"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/logging"
	"github.com/harunnryd/tutorcall/pkg/metrics"
	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

var (
	ErrNotIdle    = errors.New("turn: controller is not idle")
	ErrNeedsReset = errors.New("turn: controller is in error state, reset first")
	ErrNotInError = errors.New("turn: controller is not in error state")
	ErrDisposed   = errors.New("turn: controller disposed")
)

// Options carries the collaborators of a Controller.
type Options struct {
	SessionID string
	Capture   Capture
	Player    Player
	Builder   ClientBuilder
	Metrics   metrics.Observer
	Observers []Observer
	Logger    *slog.Logger
	// Store is created with conversation.DefaultLimit when nil.
	Store *conversation.Store
	Now   func() time.Time
}

// Controller drives one call session through listen, process and speak.
//
// Capture events are consumed by a single loop goroutine; each accepted
// utterance runs in its own pipeline goroutine tagged with an epoch. Any
// cancellation bumps the epoch so late results are discarded.
type Controller struct {
	id      string
	capture Capture
	player  Player
	builder ClientBuilder
	metrics metrics.Observer
	logger  *slog.Logger
	store   *conversation.Store
	now     func() time.Time
	sm      *stateMachine

	mu          sync.Mutex
	emitMu      sync.Mutex
	observers   []Observer
	cfg         Config
	pipeline    *Pipeline
	initialized bool
	disposed    bool
	muted       bool
	drops       int
	epoch       uint64
	cancelTurn  context.CancelFunc
	// pendingUser is the ID of a user turn still waiting for a reply.
	pendingUser string
	captureCtx  context.Context
	captureGen  uint64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
}

func New(opts Options) (*Controller, error) {
	if opts.Capture == nil || opts.Player == nil || opts.Builder == nil {
		return nil, errors.New("turn: capture, player and client builder are required")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = conversation.NewStore(conversation.DefaultLimit)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:        opts.SessionID,
		capture:   opts.Capture,
		player:    opts.Player,
		builder:   opts.Builder,
		metrics:   opts.Metrics,
		logger:    logging.NewComponentLogger(opts.Logger, "turn").With(slog.String("session_id", opts.SessionID)),
		store:     opts.Store,
		now:       opts.Now,
		sm:        newStateMachine(opts.Now),
		observers: append([]Observer(nil), opts.Observers...),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *Controller) SessionID() string { return c.id }

func (c *Controller) State() State { return c.sm.State() }

// History returns a snapshot of the conversation, oldest first.
func (c *Controller) History() []conversation.Turn { return c.store.Snapshot() }

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Config returns the configuration applied by the last successful Initialize.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// AddObserver attaches an observer; it is detached by Dispose.
func (c *Controller) AddObserver(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.observers = append(c.observers, o)
}

// Initialize validates cfg and builds the service clients. A failed call
// keeps the previous configuration.
func (c *Controller) Initialize(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.sm.State() != StateIdle {
		return ErrNotIdle
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	clients, err := c.builder.Build(cfg)
	if err != nil {
		return err
	}
	p, err := NewPipeline(clients, cfg, c.metrics, c.id)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.pipeline = p
	c.initialized = true
	if evicted := c.store.SetLimit(cfg.HistoryLimit); len(evicted) > 0 {
		c.logger.Debug("history trimmed to new limit", slog.Int("evicted", len(evicted)))
	}
	c.logger.Info("controller initialized",
		slog.String("language", cfg.Language),
		slog.String("voice", cfg.Voice.Name),
		slog.String("transcriber", clients.Transcriber.Name()),
		slog.String("dialogue", clients.Dialogue.Name()),
		slog.String("synthesizer", clients.Synthesizer.Name()))
	return nil
}

// StartListening moves Idle to Listening and starts capture with ctx, which
// must outlive the session. It is a no-op while already active.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	switch c.sm.State() {
	case StateListening, StateProcessing, StateSpeaking:
		c.mu.Unlock()
		return nil
	case StateError:
		c.mu.Unlock()
		return ErrNeedsReset
	}
	if !c.initialized {
		c.mu.Unlock()
		return errorsx.NewNotConfigured("configuration")
	}
	var events []Event
	if err := c.transitionLocked(StateListening, "start_listening", &events); err != nil {
		c.mu.Unlock()
		return err
	}
	c.drops = 0
	c.captureGen++
	c.captureCtx = ctx
	if err := c.capture.Start(ctx); err != nil {
		_ = c.transitionLocked(StateIdle, "capture_start_failed", &events)
		streamErr := errorsx.Wrap(&errorsx.CaptureStreamError{Attempts: 1, Err: err}, errorsx.ReasonCaptureStream)
		events = append(events, c.errorEvent(streamErr))
		c.logger.Error("capture start failed",
			slog.String("reason_code", string(errorsx.ReasonCaptureStream)),
			slog.String("error", err.Error()))
		c.unlockAndEmit(events)
		return streamErr
	}
	if c.muted {
		c.capture.Pause()
	}
	c.unlockAndEmit(events)
	return nil
}

// StopListening returns to Idle: capture stops, the in-flight turn is
// cancelled and playback is interrupted. It is a no-op when not active.
func (c *Controller) StopListening() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if !c.sm.State().Active() {
		c.mu.Unlock()
		return nil
	}
	var events []Event
	c.stopLocked("stop_listening", &events)
	c.unlockAndEmit(events)
	return nil
}

// OnUtteranceRecognized feeds already recognized text into the session.
func (c *Controller) OnUtteranceRecognized(text string) {
	c.accept(text, nil)
}

// CancelSpeech aborts synthesis and playback while Speaking.
func (c *Controller) CancelSpeech() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.sm.State() != StateSpeaking {
		c.mu.Unlock()
		return nil
	}
	var events []Event
	c.abortTurnLocked(&events)
	_ = c.transitionLocked(StateListening, "speech_cancelled", &events)
	c.resumeCaptureLocked()
	c.unlockAndEmit(events)
	return nil
}

// ClearConversation empties the history without touching the state.
func (c *Controller) ClearConversation() {
	c.mu.Lock()
	n := c.store.Clear()
	c.pendingUser = ""
	ev := c.event(EventConversationCleared)
	ev.Cleared = n
	c.logger.Info("conversation cleared", slog.Int("turns", n))
	c.unlockAndEmit([]Event{ev})
}

// OnMuteChanged pauses capture while muted. An in-flight reply continues.
func (c *Controller) OnMuteChanged(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.muted == muted {
		return
	}
	c.muted = muted
	state := c.sm.State()
	if muted {
		if state.Active() {
			c.capture.Pause()
		}
	} else if state == StateListening {
		c.capture.Resume()
	}
	c.logger.Info("mute changed", slog.Bool("muted", muted), slog.String("state", state.String()))
}

// Reset leaves the Error state. It is a no-op in Idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	switch c.sm.State() {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateError:
	default:
		c.mu.Unlock()
		return ErrNotInError
	}
	var events []Event
	_ = c.transitionLocked(StateIdle, "reset", &events)
	c.drops = 0
	c.unlockAndEmit(events)
	return nil
}

// Dispose stops everything and detaches observers. It must not be called
// from an Observer.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	var events []Event
	if c.sm.State().Active() {
		c.stopLocked("dispose", &events)
	} else {
		c.abortTurnLocked(&events)
	}
	c.disposed = true
	c.cancel()
	c.unlockAndEmit(events)

	c.mu.Lock()
	c.observers = nil
	c.mu.Unlock()
	c.wg.Wait()
	<-c.loopDone
	c.logger.Info("controller disposed")
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	events := c.capture.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case CaptureEnded:
				c.onCaptureEnded(ev.Err)
			case CaptureTranscript:
				c.accept(ev.Text, nil)
			case CaptureUtterance:
				audio := ev.Audio
				c.accept("", &audio)
			}
		}
	}
}

// accept admits an utterance only in Listening while unmuted; everything
// else is dropped.
func (c *Controller) accept(text string, audio *stt.Audio) {
	c.mu.Lock()
	state := c.sm.State()
	if c.disposed || state != StateListening || c.muted {
		muted := c.muted
		c.mu.Unlock()
		c.logger.Debug("utterance dropped", slog.String("state", state.String()), slog.Bool("muted", muted))
		c.record(metrics.EventUtteranceDropped, 0, map[string]string{"state": state.String()})
		return
	}
	if audio == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			c.mu.Unlock()
			c.logger.Debug("empty transcript discarded")
			return
		}
	}
	var events []Event
	if err := c.transitionLocked(StateProcessing, "utterance", &events); err != nil {
		c.mu.Unlock()
		return
	}
	c.capture.Pause()
	c.epoch++
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelTurn = cancel
	epoch, p := c.epoch, c.pipeline
	c.wg.Add(1)
	c.unlockAndEmit(events)

	go func() {
		defer c.wg.Done()
		c.runTurn(ctx, epoch, p, text, audio)
	}()
}

func (c *Controller) runTurn(ctx context.Context, epoch uint64, p *Pipeline, text string, audio *stt.Audio) {
	start := c.now()
	if audio != nil {
		transcript, err := p.Transcribe(ctx, *audio)
		c.mu.Lock()
		if c.staleLocked(epoch) {
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.failAndUnlock(nil, err, "transcription_failed")
			return
		}
		if transcript == "" {
			var events []Event
			c.finishTurnLocked("empty_transcript", &events)
			c.unlockAndEmit(events)
			return
		}
		text = transcript
	} else {
		c.mu.Lock()
		if c.staleLocked(epoch) {
			c.mu.Unlock()
			return
		}
	}

	var events []Event
	c.drops = 0
	userTurn := c.appendLocked(conversation.SpeakerUser, text, &events)
	c.pendingUser = userTurn.ID
	pending := c.event(EventUtterancePending)
	pending.Turn = &userTurn
	events = append(events, pending)
	history := HistoryMessages(c.store.Dialogue(userTurn.ID))
	c.unlockAndEmit(events)

	reply, usage, err := p.Reply(ctx, text, history)
	c.mu.Lock()
	if c.staleLocked(epoch) {
		c.mu.Unlock()
		return
	}
	events = nil
	c.pendingUser = ""
	if err != nil {
		c.appendLocked(conversation.SpeakerError, errorText(err), &events)
		c.failAndUnlock(events, err, "dialogue_failed")
		return
	}
	c.appendLocked(conversation.SpeakerAssistant, reply, &events)
	if err := c.transitionLocked(StateSpeaking, "reply_ready", &events); err != nil {
		c.failAndUnlock(events, err, "speaking_refused")
		return
	}
	c.unlockAndEmit(events)

	clip, err := p.Synthesize(ctx, reply)
	c.mu.Lock()
	if c.staleLocked(epoch) {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.failAndUnlock(nil, err, "synthesis_failed")
		return
	}
	ready := c.event(EventAudioReady)
	ready.Audio = &clip
	c.unlockAndEmit([]Event{ready})

	playStart := c.now()
	err = c.player.Play(ctx, clip)
	c.record(metrics.EventTurnPlayback, metrics.Since(playStart), nil)
	c.mu.Lock()
	if c.staleLocked(epoch) {
		c.mu.Unlock()
		return
	}
	if err != nil {
		err = errorsx.NewServiceError(errorsx.ServicePlayback, "player", errorsx.Wrap(err, errorsx.ReasonPlayback))
		c.failAndUnlock(nil, err, "playback_failed")
		return
	}
	c.metrics.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTurnCompleted,
		Time:  c.now(),
		Value: metrics.Since(start),
		Tags:  map[string]string{"session_id": c.id},
		Fields: map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
			"reply_chars":       len(reply),
			"audio_bytes":       len(clip.Data),
		},
	})
	events = nil
	c.finishTurnLocked("playback_complete", &events)
	c.unlockAndEmit(events)
}

// onCaptureEnded restarts capture with a fixed delay until the consecutive
// drop count exceeds the retry budget.
func (c *Controller) onCaptureEnded(cause error) {
	for {
		c.mu.Lock()
		if c.disposed || !c.sm.State().Active() {
			c.mu.Unlock()
			return
		}
		c.drops++
		attempt := c.drops
		policy := resilience.RetryPolicy{MaxRetries: c.cfg.CaptureRetries, Backoff: c.cfg.CaptureRetryDelay}
		if policy.Exhausted(attempt) {
			c.enterErrorAndUnlock(cause, attempt)
			return
		}
		gen, captureCtx := c.captureGen, c.captureCtx
		c.mu.Unlock()

		c.logger.Warn("capture stream dropped, restarting",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", policy.MaxRetries),
			slog.String("reason_code", string(errorsx.ReasonCaptureStream)),
			slog.String("error", errString(cause)))
		c.record(metrics.EventCaptureRetry, 0, map[string]string{"attempt": strconv.Itoa(attempt)})
		if policy.Wait(c.ctx) != nil {
			return
		}

		c.mu.Lock()
		if c.disposed || !c.sm.State().Active() || c.captureGen != gen {
			c.mu.Unlock()
			return
		}
		err := c.capture.Start(captureCtx)
		if err == nil {
			if c.sm.State() != StateListening || c.muted {
				c.capture.Pause()
			}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		cause = err
	}
}

func (c *Controller) enterErrorAndUnlock(cause error, attempts int) {
	var events []Event
	c.captureGen++
	c.capture.Stop()
	c.abortTurnLocked(&events)
	_ = c.transitionLocked(StateError, "capture_exhausted", &events)
	streamErr := errorsx.Wrap(&errorsx.CaptureStreamError{Attempts: attempts, Err: cause}, errorsx.ReasonCaptureStream)
	events = append(events, c.errorEvent(streamErr))
	c.logger.Error("capture retries exhausted",
		slog.Int("attempts", attempts),
		slog.String("reason_code", string(errorsx.ReasonCaptureStream)),
		slog.String("error", errString(cause)))
	c.record(metrics.EventCaptureExhausted, float64(attempts), nil)
	c.unlockAndEmit(events)
}

// failAndUnlock surfaces a recoverable turn failure and re-arms Listening.
func (c *Controller) failAndUnlock(events []Event, err error, reason string) {
	events = append(events, c.errorEvent(err))
	c.logger.Warn("turn failed",
		slog.String("stage", reason),
		slog.String("kind", string(errorsx.KindOf(err))),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", redact.Credentials(err.Error())))
	c.record(metrics.EventTurnFailed, 0, map[string]string{
		"stage":       reason,
		"reason_code": string(errorsx.Reason(err)),
	})
	c.finishTurnLocked(reason, &events)
	c.unlockAndEmit(events)
}

func (c *Controller) finishTurnLocked(reason string, events *[]Event) {
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	if c.sm.State() == StateListening {
		return
	}
	if err := c.transitionLocked(StateListening, reason, events); err == nil {
		c.resumeCaptureLocked()
	}
}

func (c *Controller) stopLocked(reason string, events *[]Event) {
	c.captureGen++
	c.capture.Stop()
	c.abortTurnLocked(events)
	_ = c.transitionLocked(StateIdle, reason, events)
}

// abortTurnLocked cancels the in-flight turn. A user turn still waiting for
// its reply is closed with an error marker so the next utterance does not
// follow it directly.
func (c *Controller) abortTurnLocked(events *[]Event) {
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.epoch++
	if c.pendingUser == "" {
		return
	}
	c.pendingUser = ""
	c.appendLocked(conversation.SpeakerError, cancelledText, events)
}

func (c *Controller) staleLocked(epoch uint64) bool {
	return c.disposed || c.epoch != epoch
}

func (c *Controller) resumeCaptureLocked() {
	if c.sm.State() == StateListening && !c.muted {
		c.capture.Resume()
	}
}

func (c *Controller) appendLocked(speaker conversation.Speaker, text string, events *[]Event) conversation.Turn {
	t, evicted := c.store.Append(speaker, text)
	if len(evicted) > 0 {
		c.logger.Debug("history evicted oldest turns", slog.Int("evicted", len(evicted)))
	}
	ev := c.event(EventTurnAppended)
	ev.Turn = &t
	*events = append(*events, ev)
	return t
}

func (c *Controller) transitionLocked(to State, reason string, events *[]Event) error {
	change, err := c.sm.Transition(to, reason)
	if err != nil {
		c.logger.Warn("transition rejected", slog.String("error", err.Error()))
		return err
	}
	ev := c.event(EventStateChanged)
	ev.Change = &change
	*events = append(*events, ev)
	c.logger.Info("state changed",
		slog.String("from", change.FromState.String()),
		slog.String("to", change.ToState.String()),
		slog.String("reason", reason))
	return nil
}

// unlockAndEmit releases c.mu and delivers events in order. emitMu keeps
// deliveries from concurrent goroutines from interleaving.
func (c *Controller) unlockAndEmit(events []Event) {
	if len(events) == 0 {
		c.mu.Unlock()
		return
	}
	observers := c.observers
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, ev := range events {
		for _, o := range observers {
			o.OnEvent(ev)
		}
	}
}

func (c *Controller) event(kind EventKind) Event {
	return Event{Kind: kind, SessionID: c.id, Time: c.now()}
}

func (c *Controller) errorEvent(err error) Event {
	ev := c.event(EventError)
	ev.Err = err
	ev.ErrorKind = errorsx.KindOf(err)
	return ev
}

func (c *Controller) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	tags["session_id"] = c.id
	c.metrics.RecordEvent(metrics.MetricsEvent{Name: name, Time: c.now(), Value: value, Tags: tags})
}

// cancelledText marks a user turn abandoned by stop, dispose or a capture failure.
const cancelledText = "cancelled"

// errorText is what an error marker turn shows to the user.
func errorText(err error) string {
	return redact.Credentials(err.Error())
}

func errString(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}
