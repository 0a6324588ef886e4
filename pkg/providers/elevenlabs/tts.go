package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

const DefaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
	// ReadTimeout bounds the gap between two server messages.
	ReadTimeout time.Duration
}

// ElevenLabsTTS renders a whole reply over one stream-input websocket and
// returns the concatenated clip.
type ElevenLabsTTS struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Second
	}
	return &ElevenLabsTTS{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: slog.Default().With(slog.String("component", "elevenlabs_tts")),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	audio, err := s.synthesize(ctx, text, voice)
	if err != nil {
		reason := errorsx.ReasonTTSRequest
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonTTSRateLimit
		}
		return tts.Audio{}, errorsx.NewServiceError(errorsx.ServiceSynthesis, s.Name(), errorsx.Wrap(err, reason))
	}
	return audio, nil
}

func (s *ElevenLabsTTS) synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	if s.cfg.APIKey == "" {
		return tts.Audio{}, errorsx.NewNotConfigured("elevenlabs.api_key")
	}
	voiceID := s.cfg.VoiceID
	if v := strings.TrimSpace(voice.Name); voiceID == "" && v != "" {
		voiceID = v
	}
	if voiceID == "" {
		return tts.Audio{}, errorsx.NewNotConfigured("elevenlabs.voice_id")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, errors.New("empty text")
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(voiceID), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs rate limit exceeded", slog.String("status", resp.Status))
			return tts.Audio{}, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return tts.Audio{}, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer conn.Close()

	// Unblock ReadMessage when the turn is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
		},
		{"text": text + " ", "flush": true},
		{"text": ""},
	}
	for _, m := range messages {
		b, err := json.Marshal(m)
		if err != nil {
			return tts.Audio{}, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return tts.Audio{}, s.ctxErr(ctx, err)
		}
	}

	var buf bytes.Buffer
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && buf.Len() > 0 {
				break
			}
			return tts.Audio{}, s.ctxErr(ctx, err)
		}
		chunk, final, err := decodeMessage(data)
		if err != nil {
			return tts.Audio{}, err
		}
		buf.Write(chunk)
		if final {
			break
		}
	}
	if buf.Len() == 0 {
		return tts.Audio{}, errorsx.Malformed("elevenlabs", "no audio received")
	}
	s.logger.Debug("tts clip received", slog.Int("size_bytes", buf.Len()))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return tts.Audio{Data: buf.Bytes(), MimeType: mimeFor(s.cfg.OutputFormat)}, nil
}

func (s *ElevenLabsTTS) buildURL(voiceID string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + url.PathEscape(voiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	return base + "?" + q.Encode()
}

func (s *ElevenLabsTTS) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// decodeMessage extracts the audio chunk and the final marker from one
// server message. Alignment-only messages yield no audio.
func decodeMessage(data []byte) ([]byte, bool, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, errorsx.Malformed("elevenlabs", "invalid json message")
	}
	if e, ok := msg["error"].(string); ok && e != "" {
		return nil, false, errors.New("elevenlabs: " + e)
	}
	final, _ := msg["isFinal"].(bool)
	audio, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			audio = a
		} else if a, ok := msg["audio_base64"].(string); ok {
			audio = a
		}
	}
	if audio == "" {
		return nil, final, nil
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return nil, false, errorsx.Malformed("elevenlabs", "audio decode: "+err.Error())
	}
	return raw, final, nil
}

func mimeFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)
