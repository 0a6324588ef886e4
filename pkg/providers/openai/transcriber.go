package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

const DefaultTranscriptionModel = "whisper-1"

// Transcriber uploads utterances to the audio transcription endpoint.
type Transcriber struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewTranscriber(apiKey, model string) *Transcriber {
	if model == "" {
		model = DefaultTranscriptionModel
	}
	return &Transcriber{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *Transcriber) Name() string { return "openai_whisper" }

func (t *Transcriber) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (string, error) {
	text, err := t.transcribe(ctx, audio, opts)
	if err != nil {
		reason := errorsx.ReasonSTTRequest
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonSTTRateLimit
		}
		return "", errorsx.NewServiceError(errorsx.ServiceTranscription, t.Name(), errorsx.Wrap(err, reason))
	}
	return text, nil
}

func (t *Transcriber) transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (string, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return "", errorsx.NewNotConfigured("openai.api_key")
	}
	if err := audio.Validate(); err != nil {
		return "", err
	}
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+audio.FileName()+`"`)
	ct := audio.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header.Set("Content-Type", ct)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return "", err
	}
	_ = mw.WriteField("model", t.Model)
	_ = mw.WriteField("response_format", "json")
	if lang := baseLanguage(opts.Language); lang != "" {
		_ = mw.WriteField("language", lang)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := t.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus("openai", resp); err != nil {
		return "", err
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errorsx.Malformed("openai", "decode: "+err.Error())
	}
	text, ok := payload["text"].(string)
	if !ok {
		return "", errorsx.Malformed("openai", "missing text field")
	}
	return strings.TrimSpace(text), nil
}

func (t *Transcriber) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// baseLanguage turns "it-IT" into the ISO-639-1 code the endpoint expects.
func baseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

var _ stt.Transcriber = (*Transcriber)(nil)
