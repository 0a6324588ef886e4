package azure

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

const (
	DefaultRegion       = "eastus"
	DefaultVoice        = "pt-BR-AntonioNeural"
	DefaultOutputFormat = "audio-24khz-48kbitrate-mono-mp3"
)

type Config struct {
	Key          string
	Region       string
	Voice        string
	Language     string
	Rate         string
	Pitch        string
	OutputFormat string
	// Endpoint overrides the regional endpoint.
	Endpoint string
	HTTP     *http.Client
}

// Speech synthesizes replies through the Azure speech REST endpoint with an
// SSML document that pins voice, style and prosody.
type Speech struct {
	cfg Config
}

func New(cfg Config) *Speech {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Rate == "" {
		cfg.Rate = "0%"
	}
	if cfg.Pitch == "" {
		cfg.Pitch = "0%"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", cfg.Region)
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return &Speech{cfg: cfg}
}

func (s *Speech) Name() string { return "azure_tts" }

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
	if strings.TrimSpace(s.cfg.Key) == "" {
		return tts.Audio{}, errorsx.NewNotConfigured("azure.key")
	}
	voice = voice.WithDefaults(tts.Voice{
		Name:     s.cfg.Voice,
		Rate:     s.cfg.Rate,
		Pitch:    s.cfg.Pitch,
		Language: s.cfg.Language,
	})
	doc := BuildSSML(text, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, strings.NewReader(doc))
	if err != nil {
		return tts.Audio{}, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.Key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", s.cfg.OutputFormat)
	req.Header.Set("User-Agent", "tutorcall")
	resp, err := s.cfg.HTTP.Do(req)
	if err != nil {
		return tts.Audio{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return tts.Audio{}, resilience.RateLimitError{
			Provider:   "azure",
			Message:    resp.Status,
			RetryAfter: resilience.RetryAfter(resp.Header, time.Now()),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return tts.Audio{}, fmt.Errorf("azure tts status %d: %s", resp.StatusCode, redact.Credentials(strings.TrimSpace(string(body))))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, err
	}
	if len(data) == 0 {
		return tts.Audio{}, errorsx.Malformed("azure", "empty audio body")
	}
	return tts.Audio{Data: data, MimeType: mimeFor(s.cfg.OutputFormat)}, nil
}

// BuildSSML renders speak > voice > express-as(assistant) > prosody > text.
// Every interpolated value is XML-escaped.
func BuildSSML(text string, voice tts.Voice) string {
	lang := voice.Language
	if lang == "" {
		lang = languageFromVoice(voice.Name)
	}
	var b bytes.Buffer
	b.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="http://www.w3.org/2001/mstts" xml:lang="`)
	escape(&b, lang)
	b.WriteString(`"><voice name="`)
	escape(&b, voice.Name)
	b.WriteString(`"><mstts:express-as style="assistant"><prosody rate="`)
	escape(&b, orDefault(voice.Rate, "0%"))
	b.WriteString(`" pitch="`)
	escape(&b, orDefault(voice.Pitch, "0%"))
	b.WriteString(`">`)
	escape(&b, text)
	b.WriteString(`</prosody></mstts:express-as></voice></speak>`)
	return b.String()
}

func escape(b *bytes.Buffer, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// languageFromVoice extracts "pt-BR" from "pt-BR-AntonioNeural".
func languageFromVoice(name string) string {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) < 3 {
		return "en-US"
	}
	return parts[0] + "-" + parts[1]
}

func mimeFor(format string) string {
	switch {
	case strings.HasSuffix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "riff"):
		return "audio/wav"
	case strings.HasPrefix(format, "ogg"):
		return "audio/ogg"
	case strings.HasPrefix(format, "webm"):
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

var _ tts.Synthesizer = (*Speech)(nil)
