package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/providers/mock"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *fakeSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

type testClient struct {
	conn *websocket.Conn
}

func startServer(t *testing.T, factory Factory) (*httptest.Server, *testClient) {
	t.Helper()
	h := NewHandler(Config{}, factory, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, dial(t, srv)
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn}
}

func (c *testClient) send(t *testing.T, msg InMessage) {
	t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// until reads messages until match returns true and returns that message.
func (c *testClient) until(t *testing.T, match func(OutMessage) bool) OutMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var msg OutMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(OutMessage) bool {
	return func(m OutMessage) bool { return m.Type == typ }
}

func toState(state string) func(OutMessage) bool {
	return func(m OutMessage) bool { return m.Type == MsgState && m.State == state }
}

func mockFactory(llm mock.LLMConfig) Factory {
	return func(ctx context.Context, s *Session) (Binding, error) {
		ctrl, err := turn.New(turn.Options{
			SessionID: s.ID(),
			Capture:   s,
			Player:    s,
			Builder: turn.StaticClients(turn.Clients{
				Transcriber: mock.NewTranscriber(mock.STTConfig{Transcript: "Buongiorno"}),
				Dialogue:    mock.NewLLMAdapter(llm),
				Synthesizer: mock.NewSynthesizer(mock.TTSConfig{}),
			}),
		})
		if err != nil {
			return Binding{}, err
		}
		return Binding{Controller: ctrl, Config: turn.Config{CaptureRetryDelay: time.Millisecond}}, nil
	}
}

func TestSessionRunsOneTurn(t *testing.T) {
	_, c := startServer(t, mockFactory(mock.LLMConfig{ResponseText: "Ciao! Come stai?"}))

	ready := c.until(t, ofType(MsgReady))
	if ready.SessionID == "" {
		t.Fatalf("expected session id in ready message")
	}
	c.send(t, InMessage{Type: CtlStart, Language: "it-IT", Mime: "audio/webm"})
	c.until(t, func(m OutMessage) bool { return m.Type == MsgCapture && m.Action == ActionStart })
	c.until(t, toState("listening"))

	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte("utterance")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	user := c.until(t, ofType(MsgTurn))
	if user.Turn == nil || user.Turn.Text != "Buongiorno" {
		t.Fatalf("unexpected user turn: %+v", user.Turn)
	}
	reply := c.until(t, ofType(MsgTurn))
	if reply.Turn == nil || reply.Turn.Text != "Ciao! Come stai?" {
		t.Fatalf("unexpected reply turn: %+v", reply.Turn)
	}
	audio := c.until(t, ofType(MsgAudio))
	data, err := base64.StdEncoding.DecodeString(audio.Data)
	if err != nil || len(data) == 0 {
		t.Fatalf("expected base64 audio, err=%v", err)
	}
	c.send(t, InMessage{Type: CtlPlayed, ID: audio.ID})
	back := c.until(t, toState("listening"))
	if back.From != "speaking" {
		t.Fatalf("expected return from speaking, got %q", back.From)
	}
}

func TestCancelStopsPlayback(t *testing.T) {
	_, c := startServer(t, mockFactory(mock.LLMConfig{ResponseText: "Ciao!"}))
	c.until(t, ofType(MsgReady))
	c.send(t, InMessage{Type: CtlStart})
	c.until(t, toState("listening"))
	_ = c.conn.WriteMessage(websocket.BinaryMessage, []byte("utterance"))
	audio := c.until(t, ofType(MsgAudio))

	c.send(t, InMessage{Type: CtlCancel})
	stop := c.until(t, ofType(MsgPlaybackStop))
	if stop.ID != audio.ID {
		t.Fatalf("expected playback_stop for %q, got %q", audio.ID, stop.ID)
	}
}

func TestCaptureErrorRestartsCapture(t *testing.T) {
	_, c := startServer(t, mockFactory(mock.LLMConfig{ResponseText: "ok"}))
	c.until(t, ofType(MsgReady))
	c.send(t, InMessage{Type: CtlStart})
	c.until(t, func(m OutMessage) bool { return m.Type == MsgCapture && m.Action == ActionStart })
	c.until(t, toState("listening"))

	c.send(t, InMessage{Type: CtlCaptureError, Message: "device lost"})
	c.until(t, func(m OutMessage) bool { return m.Type == MsgCapture && m.Action == ActionStart })
}

func TestMuteAndClearControls(t *testing.T) {
	_, c := startServer(t, mockFactory(mock.LLMConfig{ResponseText: "ok"}))
	c.until(t, ofType(MsgReady))
	c.send(t, InMessage{Type: CtlStart})
	c.until(t, toState("listening"))

	c.send(t, InMessage{Type: CtlMute})
	c.until(t, func(m OutMessage) bool { return m.Type == MsgCapture && m.Action == ActionPause })
	c.send(t, InMessage{Type: CtlUnmute})
	c.until(t, func(m OutMessage) bool { return m.Type == MsgCapture && m.Action == ActionResume })

	c.send(t, InMessage{Type: CtlClear})
	c.until(t, ofType(MsgCleared))
}

func TestResetOutsideErrorReportsStateError(t *testing.T) {
	_, c := startServer(t, mockFactory(mock.LLMConfig{ResponseText: "ok"}))
	c.until(t, ofType(MsgReady))
	c.send(t, InMessage{Type: CtlStart})
	c.until(t, toState("listening"))
	c.send(t, InMessage{Type: CtlReset})
	msg := c.until(t, ofType(MsgError))
	if msg.Kind != "state" {
		t.Fatalf("expected state error, got %q", msg.Kind)
	}
}

func TestUnknownControlIsProtocolError(t *testing.T) {
	_, c := startServer(t, mockFactory(mock.LLMConfig{ResponseText: "ok"}))
	c.until(t, ofType(MsgReady))
	c.send(t, InMessage{Type: "dance"})
	msg := c.until(t, ofType(MsgError))
	if msg.Kind != "protocol" {
		t.Fatalf("expected protocol error, got %q", msg.Kind)
	}
}

func TestStreamModeForwardsPCM(t *testing.T) {
	sink := &fakeSink{}
	base := mockFactory(mock.LLMConfig{ResponseText: "ok"})
	_, c := startServer(t, func(ctx context.Context, s *Session) (Binding, error) {
		b, err := base(ctx, s)
		b.Sink = sink
		return b, err
	})
	c.until(t, ofType(MsgReady))
	for i := 0; i < 3; i++ {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 chunks, got %d", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFactoryErrorIsReported(t *testing.T) {
	_, c := startServer(t, func(ctx context.Context, s *Session) (Binding, error) {
		return Binding{}, errorsx.NewNotConfigured("vendors.llm.settings.api_key")
	})
	msg := c.until(t, ofType(MsgError))
	if msg.Kind != string(errorsx.KindNotConfigured) {
		t.Fatalf("expected not_configured, got %q", msg.Kind)
	}
}

func TestReleaseRunsOnDisconnect(t *testing.T) {
	released := make(chan struct{})
	base := mockFactory(mock.LLMConfig{ResponseText: "ok"})
	_, c := startServer(t, func(ctx context.Context, s *Session) (Binding, error) {
		b, err := base(ctx, s)
		b.Release = func() { close(released) }
		return b, err
	})
	c.until(t, ofType(MsgReady))
	_ = c.conn.Close()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected release after disconnect")
	}
}

func TestDrainingRefusesSessions(t *testing.T) {
	h := NewHandler(Config{}, mockFactory(mock.LLMConfig{}), nil)
	h.SetDraining(true)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := Config{AllowedOrigins: []string{"https://tutor.example.com", "localhost:5173"}}.withDefaults()
	cases := map[string]bool{
		"https://tutor.example.com": true,
		"http://localhost:5173":     true,
		"https://evil.example.com":  false,
		"":                          true,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := cfg.checkOrigin(r); got != want {
			t.Errorf("origin %q: got %v want %v", origin, got, want)
		}
	}
}

func TestPlayReturnsWhenSessionCloses(t *testing.T) {
	sessCh := make(chan *Session, 1)
	base := mockFactory(mock.LLMConfig{ResponseText: "ok"})
	_, c := startServer(t, func(ctx context.Context, s *Session) (Binding, error) {
		sessCh <- s
		return base(ctx, s)
	})
	c.until(t, ofType(MsgReady))
	sess := <-sessCh
	_ = sess.Close()
	err := sess.Play(context.Background(), tts.Audio{Data: []byte("x"), MimeType: "audio/mpeg"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
