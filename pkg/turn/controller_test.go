package turn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/conversation"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/metrics"
	"github.com/harunnryd/tutorcall/pkg/providers/mock"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

type harness struct {
	ctrl    *turn.Controller
	capture *mock.Capture
	player  *mock.Player
	stt     *mock.Transcriber
	llm     *mock.LLMAdapter
	tts     *mock.Synthesizer
	events  *turn.ChannelObserver
	metrics *metrics.MemoryObserver
}

type harnessConfig struct {
	stt   mock.STTConfig
	llm   mock.LLMConfig
	tts   mock.TTSConfig
	store *conversation.Store
	cfg   turn.Config
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	h := &harness{
		capture: mock.NewCapture(),
		player:  mock.NewPlayer(),
		stt:     mock.NewTranscriber(hc.stt),
		llm:     mock.NewLLMAdapter(hc.llm),
		tts:     mock.NewSynthesizer(hc.tts),
		events:  turn.NewChannelObserver(256),
		metrics: metrics.NewMemoryObserver(),
	}
	ctrl, err := turn.New(turn.Options{
		SessionID: "sess-1",
		Capture:   h.capture,
		Player:    h.player,
		Builder: turn.StaticClients(turn.Clients{
			Transcriber: h.stt,
			Dialogue:    h.llm,
			Synthesizer: h.tts,
		}),
		Metrics:   h.metrics,
		Observers: []turn.Observer{h.events},
		Store:     hc.store,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(ctrl.Dispose)

	cfg := hc.cfg
	if cfg.CaptureRetryDelay == 0 {
		cfg.CaptureRetryDelay = time.Millisecond
	}
	if err := ctrl.Initialize(cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func (h *harness) listen(t *testing.T) {
	t.Helper()
	if err := h.ctrl.StartListening(context.Background()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) nextEvent(t *testing.T, kind turn.EventKind) turn.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events.C():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (h *harness) stateIs(s turn.State) func() bool {
	return func() bool { return h.ctrl.State() == s }
}

func TestUtteranceProducesReplyAndAudio(t *testing.T) {
	h := newHarness(t, harnessConfig{
		stt: mock.STTConfig{Transcript: "Buongiorno"},
		llm: mock.LLMConfig{ResponseText: "Ciao! Come stai?"},
	})
	h.listen(t)

	h.capture.Emit(turn.UtteranceEvent(stt.Audio{Data: []byte("webm"), MimeType: "audio/webm"}))
	waitFor(t, "reply played", func() bool {
		return len(h.player.Played()) == 1 && h.ctrl.State() == turn.StateListening
	})

	hist := h.ctrl.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 turns, got %+v", hist)
	}
	if hist[0].Speaker != conversation.SpeakerUser || hist[0].Text != "Buongiorno" {
		t.Fatalf("unexpected user turn %+v", hist[0])
	}
	if hist[1].Speaker != conversation.SpeakerAssistant || hist[1].Text != "Ciao! Come stai?" {
		t.Fatalf("unexpected assistant turn %+v", hist[1])
	}
	if got := h.tts.Texts(); len(got) != 1 || got[0] != "Ciao! Come stai?" {
		t.Fatalf("unexpected synthesized texts %v", got)
	}
	if string(h.player.Played()[0].Data) != "mock-audio" {
		t.Fatalf("unexpected played audio")
	}
	if stats := h.capture.Stats(); stats.Paused || stats.Pauses == 0 || stats.Resumes == 0 {
		t.Fatalf("capture should be paused during the turn and resumed after, got %+v", stats)
	}

	pending := h.nextEvent(t, turn.EventUtterancePending)
	if pending.Turn == nil || pending.Turn.Text != "Buongiorno" {
		t.Fatalf("unexpected pending event %+v", pending)
	}
	ready := h.nextEvent(t, turn.EventAudioReady)
	if ready.Audio == nil || ready.Audio.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected audio event %+v", ready)
	}
	if h.metrics.Count(metrics.EventTurnCompleted) != 1 {
		t.Fatalf("expected one completed turn metric")
	}
}

func TestDialogueUsesHistoryAndSystemPrompt(t *testing.T) {
	store := conversation.NewStore(0)
	store.Append(conversation.SpeakerUser, "hi")
	store.Append(conversation.SpeakerAssistant, "hello")
	store.Append(conversation.SpeakerError, "failed")
	h := newHarness(t, harnessConfig{
		store: store,
		cfg:   turn.Config{Language: "it-IT", Temperature: llm.Temperature(0.4), MaxTokens: 120},
	})
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("come stai?")
	waitFor(t, "reply", func() bool { return len(h.llm.Requests()) == 1 && h.ctrl.State() == turn.StateListening })

	req := h.llm.Requests()[0]
	if req.UserText != "come stai?" || len(req.History) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Temperature == nil || *req.Temperature != 0.4 || req.MaxTokens != 120 || req.SystemPrompt == "" {
		t.Fatalf("dialogue parameters not forwarded: %+v", req)
	}
}

func TestTranscriptionFailureKeepsHistory(t *testing.T) {
	h := newHarness(t, harnessConfig{stt: mock.STTConfig{Err: errors.New("whisper down")}})
	h.listen(t)

	h.capture.Emit(turn.UtteranceEvent(stt.Audio{Data: []byte("webm")}))
	ev := h.nextEvent(t, turn.EventError)
	if ev.ErrorKind != errorsx.KindTranscription || !errorsx.IsTranscription(ev.Err) {
		t.Fatalf("unexpected error event %+v", ev)
	}
	waitFor(t, "listening", h.stateIs(turn.StateListening))
	if n := len(h.ctrl.History()); n != 0 {
		t.Fatalf("history should be unchanged, got %d turns", n)
	}
	if h.metrics.Count(metrics.EventTurnFailed) != 1 {
		t.Fatalf("expected a failed turn metric")
	}
}

func TestBlankTranscriptIsIgnored(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.listen(t)
	h.nextEvent(t, turn.EventStateChanged)

	h.ctrl.OnUtteranceRecognized("   ")
	if h.ctrl.State() != turn.StateListening {
		t.Fatalf("expected listening, got %s", h.ctrl.State())
	}
	if len(h.ctrl.History()) != 0 {
		t.Fatalf("blank transcript must not add a turn")
	}
	select {
	case ev := <-h.events.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBlankAudioTranscriptReturnsToListening(t *testing.T) {
	h := newHarness(t, harnessConfig{stt: mock.STTConfig{Transcript: "  "}})
	h.listen(t)
	h.capture.Emit(turn.UtteranceEvent(stt.Audio{Data: []byte("webm")}))
	waitFor(t, "transcriber call", func() bool { return h.stt.Calls() == 1 })
	waitFor(t, "listening", h.stateIs(turn.StateListening))
	if len(h.ctrl.History()) != 0 || len(h.llm.Requests()) != 0 {
		t.Fatalf("blank transcript must not reach the dialogue model")
	}
}

func TestClearConversationKeepsState(t *testing.T) {
	store := conversation.NewStore(0)
	for i := 0; i < 5; i++ {
		store.Append(conversation.SpeakerUser, "turn")
	}
	h := newHarness(t, harnessConfig{store: store})
	h.listen(t)

	h.ctrl.ClearConversation()
	if len(h.ctrl.History()) != 0 {
		t.Fatalf("expected empty history")
	}
	if h.ctrl.State() != turn.StateListening {
		t.Fatalf("state must not change, got %s", h.ctrl.State())
	}
	ev := h.nextEvent(t, turn.EventConversationCleared)
	if ev.Cleared != 5 {
		t.Fatalf("expected 5 cleared turns, got %d", ev.Cleared)
	}
}

func TestCaptureDropsBeyondRetryCapEnterError(t *testing.T) {
	h := newHarness(t, harnessConfig{cfg: turn.Config{CaptureRetries: 3}})
	h.listen(t)

	for i := 0; i < 4; i++ {
		h.capture.Emit(turn.EndedEvent(errors.New("socket closed")))
	}
	waitFor(t, "error state", h.stateIs(turn.StateError))

	ev := h.nextEvent(t, turn.EventError)
	if ev.ErrorKind != errorsx.KindCaptureStream {
		t.Fatalf("unexpected error kind %s", ev.ErrorKind)
	}
	if h.metrics.Count(metrics.EventCaptureRetry) != 3 || h.metrics.Count(metrics.EventCaptureExhausted) != 1 {
		t.Fatalf("unexpected retry metrics: retry=%d exhausted=%d",
			h.metrics.Count(metrics.EventCaptureRetry), h.metrics.Count(metrics.EventCaptureExhausted))
	}
	if err := h.ctrl.StartListening(context.Background()); !errors.Is(err, turn.ErrNeedsReset) {
		t.Fatalf("expected ErrNeedsReset, got %v", err)
	}
	if err := h.ctrl.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if h.ctrl.State() != turn.StateIdle {
		t.Fatalf("expected idle after reset, got %s", h.ctrl.State())
	}
	h.listen(t)
}

func TestFailedRestartCountsAsDrop(t *testing.T) {
	h := newHarness(t, harnessConfig{cfg: turn.Config{CaptureRetries: 3}})
	h.listen(t)

	h.capture.FailStart(errors.New("mic unavailable"))
	h.capture.Emit(turn.EndedEvent(nil))
	waitFor(t, "error state", h.stateIs(turn.StateError))
	if starts := h.capture.Stats().Starts; starts != 4 {
		t.Fatalf("expected initial start plus 3 restarts, got %d", starts)
	}
}

func TestHandledUtteranceResetsDropCounter(t *testing.T) {
	h := newHarness(t, harnessConfig{cfg: turn.Config{CaptureRetries: 3}})
	h.listen(t)

	for i := 0; i < 3; i++ {
		h.capture.Emit(turn.EndedEvent(nil))
	}
	waitFor(t, "three restarts", func() bool { return h.capture.Stats().Starts == 4 })

	h.capture.Emit(turn.TranscriptEvent("ciao"))
	waitFor(t, "turn handled", func() bool { return len(h.ctrl.History()) == 2 && h.ctrl.State() == turn.StateListening })

	for i := 0; i < 3; i++ {
		h.capture.Emit(turn.EndedEvent(nil))
	}
	waitFor(t, "three more restarts", func() bool { return h.capture.Stats().Starts == 7 })
	if h.ctrl.State() != turn.StateListening {
		t.Fatalf("drop counter should have been reset, state %s", h.ctrl.State())
	}
}

func TestUtteranceDroppedWhileProcessing(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, harnessConfig{llm: mock.LLMConfig{ResponseText: "risposta", Block: block}})
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("uno")
	if h.ctrl.State() != turn.StateProcessing {
		t.Fatalf("expected processing, got %s", h.ctrl.State())
	}
	h.ctrl.OnUtteranceRecognized("due")
	h.capture.Emit(turn.TranscriptEvent("tre"))
	waitFor(t, "drops recorded", func() bool { return h.metrics.Count(metrics.EventUtteranceDropped) == 2 })

	close(block)
	waitFor(t, "turn finished", func() bool { return len(h.ctrl.History()) == 2 && h.ctrl.State() == turn.StateListening })
	hist := h.ctrl.History()
	if hist[0].Text != "uno" || hist[1].Speaker != conversation.SpeakerAssistant {
		t.Fatalf("unexpected history %+v", hist)
	}
	if n := len(h.llm.Requests()); n != 1 {
		t.Fatalf("expected a single dialogue request, got %d", n)
	}
}

func TestDialogueFailureAppendsErrorMarker(t *testing.T) {
	h := newHarness(t, harnessConfig{llm: mock.LLMConfig{Err: errors.New("model unavailable")}})
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("ciao")
	ev := h.nextEvent(t, turn.EventError)
	if ev.ErrorKind != errorsx.KindDialogue {
		t.Fatalf("unexpected error kind %s", ev.ErrorKind)
	}
	waitFor(t, "listening", h.stateIs(turn.StateListening))

	hist := h.ctrl.History()
	if len(hist) != 2 || hist[0].Speaker != conversation.SpeakerUser || hist[1].Speaker != conversation.SpeakerError {
		t.Fatalf("expected user turn followed by error marker, got %+v", hist)
	}
	if len(h.tts.Texts()) != 0 {
		t.Fatalf("nothing should be synthesized after a dialogue failure")
	}
}

func TestSynthesisFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, harnessConfig{tts: mock.TTSConfig{Err: errors.New("tts down")}})
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("ciao")
	ev := h.nextEvent(t, turn.EventError)
	if ev.ErrorKind != errorsx.KindSynthesis {
		t.Fatalf("unexpected error kind %s", ev.ErrorKind)
	}
	waitFor(t, "listening", h.stateIs(turn.StateListening))
	if hist := h.ctrl.History(); len(hist) != 2 || hist[1].Speaker != conversation.SpeakerAssistant {
		t.Fatalf("assistant turn should be kept, got %+v", hist)
	}
	if len(h.player.Played()) != 0 {
		t.Fatalf("nothing should be played")
	}
}

func TestCancelSpeechStopsPlayback(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.player.Hold = true
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("ciao")
	select {
	case <-h.player.Started():
	case <-time.After(2 * time.Second):
		t.Fatalf("playback never started")
	}
	if h.ctrl.State() != turn.StateSpeaking {
		t.Fatalf("expected speaking, got %s", h.ctrl.State())
	}
	if err := h.ctrl.CancelSpeech(); err != nil {
		t.Fatalf("cancel speech: %v", err)
	}
	if h.ctrl.State() != turn.StateListening {
		t.Fatalf("expected listening right after cancel, got %s", h.ctrl.State())
	}
	waitFor(t, "playback cancelled", func() bool { return h.player.Cancelled() == 1 })
	if h.capture.Stats().Paused {
		t.Fatalf("capture should resume after cancel")
	}
	if err := h.ctrl.CancelSpeech(); err != nil {
		t.Fatalf("cancel outside speaking should be a no-op: %v", err)
	}
}

func TestStartListeningIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.listen(t)
	h.listen(t)
	if starts := h.capture.Stats().Starts; starts != 1 {
		t.Fatalf("expected one capture start, got %d", starts)
	}
	h.nextEvent(t, turn.EventStateChanged)
	select {
	case ev := <-h.events.C():
		t.Fatalf("second start emitted %+v", ev)
	default:
	}
}

func TestStopListeningAbortsInFlightTurn(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, harnessConfig{llm: mock.LLMConfig{Block: block}})
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("ciao")
	waitFor(t, "dialogue request", func() bool { return len(h.llm.Requests()) == 1 })
	if err := h.ctrl.StopListening(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.ctrl.State() != turn.StateIdle {
		t.Fatalf("expected idle, got %s", h.ctrl.State())
	}
	if stats := h.capture.Stats(); stats.Running || stats.Stops != 1 {
		t.Fatalf("capture should be stopped, got %+v", stats)
	}
	close(block)
	h.ctrl.Dispose()
	hist := h.ctrl.History()
	if len(hist) != 2 || hist[0].Speaker != conversation.SpeakerUser || hist[1].Speaker != conversation.SpeakerError {
		t.Fatalf("expected the user turn closed by an error marker, got %+v", hist)
	}
	if hist[1].Text != "cancelled" {
		t.Fatalf("expected cancelled marker, got %q", hist[1].Text)
	}
	if len(h.tts.Texts()) != 0 {
		t.Fatalf("nothing should be synthesized after stop")
	}
}

func TestRestartAfterStopKeepsTurnsAlternating(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, harnessConfig{llm: mock.LLMConfig{ResponseText: "Ciao!", Block: block}})
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("primo")
	waitFor(t, "first dialogue request", func() bool { return len(h.llm.Requests()) == 1 })
	if err := h.ctrl.StopListening(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(block)
	h.listen(t)
	h.ctrl.OnUtteranceRecognized("secondo")
	waitFor(t, "second reply played", func() bool {
		return len(h.player.Played()) == 1 && h.ctrl.State() == turn.StateListening
	})

	hist := h.ctrl.History()
	want := []conversation.Speaker{
		conversation.SpeakerUser, conversation.SpeakerError,
		conversation.SpeakerUser, conversation.SpeakerAssistant,
	}
	if len(hist) != len(want) {
		t.Fatalf("expected %d turns, got %+v", len(want), hist)
	}
	for i, sp := range want {
		if hist[i].Speaker != sp {
			t.Fatalf("turn %d: expected %s, got %s (%+v)", i, sp, hist[i].Speaker, hist)
		}
	}
	reqs := h.llm.Requests()
	for _, m := range reqs[len(reqs)-1].History {
		if m.Content == "cancelled" {
			t.Fatalf("error markers must not reach the model")
		}
	}
}

func TestMuteSuppressesCapture(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.ctrl.OnMuteChanged(true)
	h.listen(t)
	if !h.capture.Stats().Paused {
		t.Fatalf("capture should start paused while muted")
	}
	h.ctrl.OnUtteranceRecognized("ciao")
	if len(h.ctrl.History()) != 0 || h.metrics.Count(metrics.EventUtteranceDropped) != 1 {
		t.Fatalf("utterance must be ignored while muted")
	}
	h.ctrl.OnMuteChanged(false)
	if h.capture.Stats().Paused || h.ctrl.Muted() {
		t.Fatalf("unmute in listening should resume capture")
	}
}

func TestMuteDoesNotCancelReply(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.player.Hold = true
	h.listen(t)

	h.ctrl.OnUtteranceRecognized("ciao")
	<-h.player.Started()
	h.ctrl.OnMuteChanged(true)
	h.player.Release()
	waitFor(t, "listening", h.stateIs(turn.StateListening))
	if h.player.Cancelled() != 0 {
		t.Fatalf("mute must not cancel playback")
	}
	if !h.capture.Stats().Paused {
		t.Fatalf("capture must stay paused while muted")
	}
}

func TestInitializeValidation(t *testing.T) {
	capture := mock.NewCapture()
	ctrl, err := turn.New(turn.Options{
		Capture: capture,
		Player:  mock.NewPlayer(),
		Builder: turn.StaticClients(turn.Clients{
			Transcriber: mock.NewTranscriber(mock.STTConfig{}),
			Dialogue:    mock.NewLLMAdapter(mock.LLMConfig{}),
			Synthesizer: mock.NewSynthesizer(mock.TTSConfig{}),
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctrl.Dispose()

	if err := ctrl.StartListening(context.Background()); !errorsx.IsNotConfigured(err) {
		t.Fatalf("start before initialize should be not configured, got %v", err)
	}
	err = ctrl.Initialize(turn.Config{Credentials: map[string]string{"openai.api_key": "", "azure.key": "k"}})
	var nc *errorsx.NotConfiguredError
	if !errors.As(err, &nc) || len(nc.Missing) != 1 || nc.Missing[0] != "openai.api_key" {
		t.Fatalf("expected missing openai.api_key, got %v", err)
	}
	if err := ctrl.Initialize(turn.Config{Credentials: map[string]string{"openai.api_key": "k"}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if *ctrl.Config().Temperature != turn.DefaultTemperature {
		t.Fatalf("defaults not applied")
	}
	if err := ctrl.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Initialize(turn.Config{}); !errors.Is(err, turn.ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
	if err := ctrl.Reset(); !errors.Is(err, turn.ErrNotInError) {
		t.Fatalf("expected ErrNotInError, got %v", err)
	}
	ctrl.Dispose()
	if err := ctrl.StartListening(context.Background()); !errors.Is(err, turn.ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if stats := capture.Stats(); stats.Running {
		t.Fatalf("dispose should stop capture")
	}
}

func TestBuilderWithoutClientsIsNotConfigured(t *testing.T) {
	ctrl, err := turn.New(turn.Options{
		Capture: mock.NewCapture(),
		Player:  mock.NewPlayer(),
		Builder: turn.StaticClients(turn.Clients{Dialogue: mock.NewLLMAdapter(mock.LLMConfig{})}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctrl.Dispose()
	if err := ctrl.Initialize(turn.Config{}); !errorsx.IsNotConfigured(err) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestCaptureStartFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.capture.FailStart(errors.New("permission denied"))
	err := h.ctrl.StartListening(context.Background())
	if !errorsx.IsCaptureStream(err) {
		t.Fatalf("expected capture stream error, got %v", err)
	}
	if h.ctrl.State() != turn.StateIdle {
		t.Fatalf("expected idle after failed start, got %s", h.ctrl.State())
	}
}

func TestHistoryNeverExceedsLimit(t *testing.T) {
	h := newHarness(t, harnessConfig{cfg: turn.Config{HistoryLimit: 4}})
	h.listen(t)
	for i := 0; i < 5; i++ {
		h.ctrl.OnUtteranceRecognized("ciao")
		want := min(2*(i+1), 4)
		waitFor(t, "turn done", func() bool {
			return h.ctrl.State() == turn.StateListening && len(h.player.Played()) == i+1
		})
		if n := len(h.ctrl.History()); n != want {
			t.Fatalf("after %d turns expected %d entries, got %d", i+1, want, n)
		}
	}
}

func TestChannelObserverCountsDrops(t *testing.T) {
	obs := turn.NewChannelObserver(1)
	obs.OnEvent(turn.Event{Kind: turn.EventError})
	obs.OnEvent(turn.Event{Kind: turn.EventError})
	if obs.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", obs.Dropped())
	}
}
