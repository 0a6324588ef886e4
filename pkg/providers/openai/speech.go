package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

const (
	DefaultSpeechModel = "tts-1"
	DefaultSpeechVoice = "alloy"
)

// Speech renders replies with the audio speech endpoint (mp3).
type Speech struct {
	APIKey  string
	Model   string
	Voice   string
	BaseURL string
	Client  *http.Client
}

func NewSpeech(apiKey, model, voice string) *Speech {
	if model == "" {
		model = DefaultSpeechModel
	}
	if voice == "" {
		voice = DefaultSpeechVoice
	}
	return &Speech{
		APIKey:  apiKey,
		Model:   model,
		Voice:   voice,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *Speech) Name() string { return "openai_tts" }

func (s *Speech) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
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

func (s *Speech) synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return tts.Audio{}, errorsx.NewNotConfigured("openai.api_key")
	}
	name := s.Voice
	// Azure-style voice names ("pt-BR-AntonioNeural") mean nothing here.
	if v := strings.TrimSpace(voice.Name); v != "" && !strings.Contains(v, "-") {
		name = v
	}
	req := map[string]any{
		"model":           s.Model,
		"voice":           name,
		"input":           text,
		"response_format": "mp3",
	}
	if speed, ok := speedFromRate(voice.Rate); ok {
		req["speed"] = speed
	}
	b, err := json.Marshal(req)
	if err != nil {
		return tts.Audio{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/audio/speech", bytes.NewReader(b))
	if err != nil {
		return tts.Audio{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(httpReq)
	if err != nil {
		return tts.Audio{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus("openai", resp); err != nil {
		return tts.Audio{}, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, err
	}
	if len(data) == 0 {
		return tts.Audio{}, errorsx.Malformed("openai", errNoAudio.Error())
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = "audio/mpeg"
	}
	return tts.Audio{Data: data, MimeType: mime}, nil
}

func (s *Speech) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// speedFromRate converts an SSML relative rate ("+20%") to a speed factor.
func speedFromRate(rate string) (float64, bool) {
	rate = strings.TrimSpace(rate)
	if rate == "" || !strings.HasSuffix(rate, "%") {
		return 0, false
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(rate, "%"), 64)
	if err != nil || pct == 0 {
		return 0, false
	}
	speed := 1 + pct/100
	if speed < 0.25 {
		speed = 0.25
	}
	if speed > 4 {
		speed = 4
	}
	return speed, true
}

var _ tts.Synthesizer = (*Speech)(nil)
