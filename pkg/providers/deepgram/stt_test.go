package deepgram

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

type fakeConn struct {
	mu        sync.Mutex
	connectOK bool
	received  bytes.Buffer
	stopped   bool
}

func (f *fakeConn) Connect() bool { return f.connectOK }

func (f *fakeConn) Stream(r io.Reader) error {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		f.mu.Lock()
		f.received.Write(buf[:n])
		f.mu.Unlock()
		if err != nil {
			return nil
		}
	}
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeConn) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.received.Bytes()...)
}

func newTestRecognizer(conn *fakeConn) (*Recognizer, *callback) {
	r := New(Config{APIKey: "key"})
	var cb *callback
	r.dial = func(ctx context.Context, cfg Config, c msginterfaces.LiveMessageCallback) (wsClient, error) {
		cb = c.(*callback)
		return conn, nil
	}
	_ = r.Start(context.Background())
	return r, cb
}

func nextEvent(t *testing.T, r *Recognizer) turn.CaptureEvent {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no capture event")
	}
	return turn.CaptureEvent{}
}

func TestRecognizerJoinsFinalSegments(t *testing.T) {
	r, cb := newTestRecognizer(&fakeConn{connectOK: true})
	defer r.Stop()

	r.onTranscript(cb.gen, "buon", false, false)
	r.onTranscript(cb.gen, "Buongiorno,", true, false)
	r.onTranscript(cb.gen, "come stai?", true, true)

	ev := nextEvent(t, r)
	if ev.Kind != turn.CaptureTranscript || ev.Text != "Buongiorno, come stai?" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRecognizerUtteranceEndFlushes(t *testing.T) {
	r, cb := newTestRecognizer(&fakeConn{connectOK: true})
	defer r.Stop()

	r.onTranscript(cb.gen, "ciao", true, false)
	r.onUtteranceEnd(cb.gen)
	if ev := nextEvent(t, r); ev.Text != "ciao" {
		t.Fatalf("unexpected event %+v", ev)
	}
	r.onUtteranceEnd(cb.gen)
	select {
	case ev := <-r.Events():
		t.Fatalf("empty utterance end should not emit, got %+v", ev)
	default:
	}
}

func TestRecognizerDropsAudioWhilePaused(t *testing.T) {
	conn := &fakeConn{connectOK: true}
	r, cb := newTestRecognizer(conn)

	if err := r.Write([]byte("ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.Pause()
	_ = r.Write([]byte("XX"))
	r.onTranscript(cb.gen, "ignored", true, true)
	r.Resume()
	_ = r.Write([]byte("cd"))
	r.Stop()

	deadline := time.Now().Add(time.Second)
	for string(conn.bytes()) != "abcd" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := string(conn.bytes()); got != "abcd" {
		t.Fatalf("unexpected streamed audio %q", got)
	}
	select {
	case ev := <-r.Events():
		t.Fatalf("paused recognizer emitted %+v", ev)
	default:
	}
}

func TestRecognizerReportsUnexpectedClose(t *testing.T) {
	r, cb := newTestRecognizer(&fakeConn{connectOK: true})
	_ = cb.Close(&msginterfaces.CloseResponse{})
	ev := nextEvent(t, r)
	if ev.Kind != turn.CaptureEnded || ev.Err == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	_ = cb.Close(&msginterfaces.CloseResponse{})
	select {
	case ev := <-r.Events():
		t.Fatalf("close reported twice: %+v", ev)
	default:
	}
}

func TestRecognizerStopIsSilent(t *testing.T) {
	conn := &fakeConn{connectOK: true}
	r, cb := newTestRecognizer(conn)
	r.Stop()
	_ = cb.Close(&msginterfaces.CloseResponse{})
	select {
	case ev := <-r.Events():
		t.Fatalf("stop must not emit, got %+v", ev)
	default:
	}
	if !conn.stopped {
		t.Fatalf("connection not stopped")
	}
}

func TestRecognizerStartFailures(t *testing.T) {
	if err := New(Config{}).Start(context.Background()); !errorsx.IsNotConfigured(err) {
		t.Fatalf("expected not configured, got %v", err)
	}
	r := New(Config{APIKey: "key", ConnectBackoff: time.Millisecond})
	dials := 0
	r.dial = func(context.Context, Config, msginterfaces.LiveMessageCallback) (wsClient, error) {
		dials++
		return &fakeConn{connectOK: false}, nil
	}
	if err := r.Start(context.Background()); !errorsx.HasReason(err, errorsx.ReasonCaptureStream) {
		t.Fatalf("expected capture stream reason, got %v", err)
	}
	if dials != 3 {
		t.Fatalf("expected initial connect plus 2 retries, got %d dials", dials)
	}
	r.dial = func(context.Context, Config, msginterfaces.LiveMessageCallback) (wsClient, error) {
		return nil, errors.New("dial failed")
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestRecognizerRetriesConnect(t *testing.T) {
	r := New(Config{APIKey: "key", ConnectBackoff: time.Millisecond})
	defer r.Stop()
	dials := 0
	r.dial = func(context.Context, Config, msginterfaces.LiveMessageCallback) (wsClient, error) {
		dials++
		return &fakeConn{connectOK: dials > 1}, nil
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("expected second connect to succeed, got %v", err)
	}
	if dials != 2 {
		t.Fatalf("expected 2 dials, got %d", dials)
	}
}
