package azure

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
)

func TestBuildSSMLEscapesText(t *testing.T) {
	doc := BuildSSML(`Tom & "Jerry" <3 it's`, tts.Voice{Name: "it-IT-DiegoNeural", Rate: "+10%", Pitch: "-5%"})
	if !strings.Contains(doc, `xml:lang="it-IT"`) {
		t.Fatalf("language not derived from voice: %s", doc)
	}
	if !strings.Contains(doc, `<mstts:express-as style="assistant"><prosody rate="+10%" pitch="-5%">`) {
		t.Fatalf("unexpected prosody: %s", doc)
	}
	if strings.Contains(doc, `<3`) || strings.Contains(doc, `& "`) {
		t.Fatalf("text not escaped: %s", doc)
	}
	if err := xml.Unmarshal([]byte(doc), new(struct{ XMLName xml.Name })); err != nil {
		t.Fatalf("ssml is not well-formed: %v", err)
	}
}

func TestSynthesize(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "key" || r.Header.Get("Content-Type") != "application/ssml+xml" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	s := New(Config{Key: "key", Endpoint: srv.URL})
	audio, err := s.Synthesize(context.Background(), "olá", tts.Voice{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio.Data) != "mp3" || audio.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected audio %+v", audio)
	}
	if !strings.Contains(body, `name="pt-BR-AntonioNeural"`) || !strings.Contains(body, `rate="0%"`) {
		t.Fatalf("defaults not applied: %s", body)
	}
}

func TestSynthesizeFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(Config{Key: "key", Endpoint: srv.URL}).Synthesize(context.Background(), "x", tts.Voice{})
	if !errorsx.IsSynthesis(err) || !errorsx.HasReason(err, errorsx.ReasonTTSRequest) {
		t.Fatalf("unexpected error %v", err)
	}
	_, err = New(Config{}).Synthesize(context.Background(), "x", tts.Voice{})
	if !errorsx.IsNotConfigured(err) {
		t.Fatalf("expected not configured, got %v", err)
	}
}
