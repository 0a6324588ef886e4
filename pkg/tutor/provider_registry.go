package tutor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/configutil"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/providers/azure"
	"github.com/harunnryd/tutorcall/pkg/providers/deepgram"
	"github.com/harunnryd/tutorcall/pkg/providers/elevenlabs"
	"github.com/harunnryd/tutorcall/pkg/providers/gemini"
	"github.com/harunnryd/tutorcall/pkg/providers/mock"
	"github.com/harunnryd/tutorcall/pkg/providers/openai"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

const (
	RecognizerNone     = "none"
	RecognizerDeepgram = "deepgram"
)

// Credential names reported when a key is blank.
const (
	CredentialSTT = "vendors.stt.settings.api_key"
	CredentialLLM = "vendors.llm.settings.api_key"
	CredentialTTS = "vendors.tts.settings.api_key"
)

// VendorRequest is what a factory receives for one session.
type VendorRequest struct {
	Settings map[string]any
	// APIKey is the resolved key: a stored preference wins over settings.
	APIKey string
	// Region overrides the synthesis region when set.
	Region  string
	Session turn.Config
}

type STTFactory func(req VendorRequest) (stt.Transcriber, error)
type LLMFactory func(req VendorRequest) (llm.LLMAdapter, error)
type TTSFactory func(req VendorRequest) (tts.Synthesizer, error)

// ProviderRegistry maps provider names to client factories. Names are
// matched case-insensitively.
type ProviderRegistry struct {
	stt     map[string]STTFactory
	llm     map[string]LLMFactory
	tts     map[string]TTSFactory
	keyless map[string]bool
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:     make(map[string]STTFactory),
		llm:     make(map[string]LLMFactory),
		tts:     make(map[string]TTSFactory),
		keyless: make(map[string]bool),
	}
}

// DefaultProviders registers every built-in vendor.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("openai", buildOpenAITranscriber)
	r.RegisterSTT("mock", buildMockTranscriber)
	r.RegisterLLM("openai", buildOpenAIChat)
	r.RegisterLLM("gemini", buildGemini)
	r.RegisterLLM("mock", buildMockLLM)
	r.RegisterTTS("azure", buildAzure)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("openai", buildOpenAISpeech)
	r.RegisterTTS("mock", buildMockSynthesizer)
	r.SetKeyless("stt", "mock")
	r.SetKeyless("llm", "mock")
	r.SetKeyless("tts", "mock")
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalize(name)] = factory
}

// SetKeyless marks a provider of kind ("stt", "llm" or "tts") as needing no
// API key.
func (r *ProviderRegistry) SetKeyless(kind, name string) {
	r.keyless[kind+"/"+normalize(name)] = true
}

// NeedsKey reports whether sessions must carry a key for the provider.
func (r *ProviderRegistry) NeedsKey(kind, name string) bool {
	return !r.keyless[kind+"/"+normalize(name)]
}

// Check fails on providers that are not registered.
func (r *ProviderRegistry) Check(v VendorsConfig) error {
	var errs []error
	if _, ok := r.stt[normalize(v.STT.Provider)]; !ok {
		errs = append(errs, fmt.Errorf("stt provider not registered: %s", v.STT.Provider))
	}
	if _, ok := r.llm[normalize(v.LLM.Provider)]; !ok {
		errs = append(errs, fmt.Errorf("llm provider not registered: %s", v.LLM.Provider))
	}
	if _, ok := r.tts[normalize(v.TTS.Provider)]; !ok {
		errs = append(errs, fmt.Errorf("tts provider not registered: %s", v.TTS.Provider))
	}
	return errors.Join(errs...)
}

func (r *ProviderRegistry) BuildSTT(provider string, req VendorRequest) (stt.Transcriber, error) {
	fn := r.stt[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(req)
}

func (r *ProviderRegistry) BuildLLM(provider string, req VendorRequest) (llm.LLMAdapter, error) {
	fn := r.llm[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(req)
}

func (r *ProviderRegistry) BuildTTS(provider string, req VendorRequest) (tts.Synthesizer, error) {
	fn := r.tts[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(req)
}

// settingsKey reads the api_key entry of a settings map.
func settingsKey(settings map[string]any) string {
	var s struct {
		APIKey string `mapstructure:"api_key"`
	}
	_ = configutil.DecodeSettings(settings, &s)
	return strings.TrimSpace(s.APIKey)
}

// LLM settings shared by every dialogue provider; they tune the resilient
// wrapper.
var llmCommon = []string{"api_key", "max_attempts", "base_delay_ms", "max_delay_ms", "breaker_threshold", "breaker_cooldown_ms"}

type resilienceSettings struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	BaseDelayMS       int `mapstructure:"base_delay_ms"`
	MaxDelayMS        int `mapstructure:"max_delay_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

func decodeResilience(settings map[string]any) (llm.RetryConfig, int, time.Duration) {
	var s resilienceSettings
	_ = configutil.DecodeSettings(settings, &s)
	retry := llm.RetryConfig{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   configutil.DurationMS(s.BaseDelayMS, 200*time.Millisecond),
		MaxDelay:    configutil.DurationMS(s.MaxDelayMS, 2*time.Second),
		Jitter:      0.2,
	}
	threshold := s.BreakerThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return retry, threshold, configutil.DurationMS(s.BreakerCooldownMS, 30*time.Second)
}

func httpClient(timeoutMS int, fallback time.Duration) *http.Client {
	return &http.Client{Timeout: configutil.DurationMS(timeoutMS, fallback)}
}

type openAISettings struct {
	Model     string `mapstructure:"model"`
	Voice     string `mapstructure:"voice"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

func buildOpenAITranscriber(req VendorRequest) (stt.Transcriber, error) {
	var s openAISettings
	schema := configutil.Schema{Optional: []string{"api_key", "model", "base_url", "timeout_ms"}}
	if err := configutil.DecodeVendor("openai stt", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	t := openai.NewTranscriber(req.APIKey, s.Model)
	if s.BaseURL != "" {
		t.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	t.Client = httpClient(s.TimeoutMS, 60*time.Second)
	return t, nil
}

func buildOpenAIChat(req VendorRequest) (llm.LLMAdapter, error) {
	var s openAISettings
	schema := configutil.Schema{Optional: []string{"model", "base_url", "timeout_ms"}}.With(llmCommon...)
	if err := configutil.DecodeVendor("openai llm", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	a := openai.NewAdapter(req.APIKey, s.Model)
	if s.BaseURL != "" {
		a.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	a.Client = httpClient(s.TimeoutMS, 60*time.Second)
	return a, nil
}

func buildOpenAISpeech(req VendorRequest) (tts.Synthesizer, error) {
	var s openAISettings
	schema := configutil.Schema{Optional: []string{"api_key", "model", "voice", "base_url", "timeout_ms"}}
	if err := configutil.DecodeVendor("openai tts", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	sp := openai.NewSpeech(req.APIKey, s.Model, s.Voice)
	if s.BaseURL != "" {
		sp.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	sp.Client = httpClient(s.TimeoutMS, 60*time.Second)
	return sp, nil
}

func buildGemini(req VendorRequest) (llm.LLMAdapter, error) {
	var s struct {
		Model     string `mapstructure:"model"`
		BaseURL   string `mapstructure:"base_url"`
		TimeoutMS int    `mapstructure:"timeout_ms"`
	}
	schema := configutil.Schema{Optional: []string{"model", "base_url", "timeout_ms"}}.With(llmCommon...)
	if err := configutil.DecodeVendor("gemini", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	return gemini.New(context.Background(), gemini.Config{
		APIKey:  req.APIKey,
		Model:   s.Model,
		BaseURL: s.BaseURL,
		HTTP:    httpClient(s.TimeoutMS, 60*time.Second),
	})
}

func buildAzure(req VendorRequest) (tts.Synthesizer, error) {
	var s struct {
		Region       string `mapstructure:"region"`
		Voice        string `mapstructure:"voice"`
		OutputFormat string `mapstructure:"output_format"`
		Endpoint     string `mapstructure:"endpoint"`
		TimeoutMS    int    `mapstructure:"timeout_ms"`
	}
	schema := configutil.Schema{Optional: []string{"api_key", "region", "voice", "output_format", "endpoint", "timeout_ms"}}
	if err := configutil.DecodeVendor("azure", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	return azure.New(azure.Config{
		Key:          req.APIKey,
		Region:       configutil.StringValue(req.Region, s.Region),
		Voice:        configutil.StringValue(req.Session.Voice.Name, s.Voice),
		Language:     req.Session.Voice.Language,
		Rate:         req.Session.Voice.Rate,
		Pitch:        req.Session.Voice.Pitch,
		OutputFormat: s.OutputFormat,
		Endpoint:     s.Endpoint,
		HTTP:         httpClient(s.TimeoutMS, 30*time.Second),
	}), nil
}

func buildElevenLabs(req VendorRequest) (tts.Synthesizer, error) {
	var s struct {
		VoiceID       string `mapstructure:"voice_id"`
		ModelID       string `mapstructure:"model_id"`
		OutputFormat  string `mapstructure:"output_format"`
		BaseURL       string `mapstructure:"base_url"`
		ReadTimeoutMS int    `mapstructure:"read_timeout_ms"`
	}
	schema := configutil.Schema{
		Required: []string{"voice_id"},
		Optional: []string{"api_key", "model_id", "output_format", "base_url", "read_timeout_ms"},
	}
	if err := configutil.DecodeVendor("elevenlabs", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       req.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		BaseURL:      s.BaseURL,
		ReadTimeout:  configutil.DurationMS(s.ReadTimeoutMS, 0),
	}), nil
}

type mockSettings struct {
	Transcript string `mapstructure:"transcript"`
	Response   string `mapstructure:"response"`
	Audio      string `mapstructure:"audio"`
	Mime       string `mapstructure:"mime"`
	Error      string `mapstructure:"error"`
}

func (s mockSettings) err() error {
	if s.Error == "" {
		return nil
	}
	return errors.New(s.Error)
}

func buildMockTranscriber(req VendorRequest) (stt.Transcriber, error) {
	var s mockSettings
	schema := configutil.Schema{Optional: []string{"api_key", "transcript", "error"}}
	if err := configutil.DecodeVendor("mock stt", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewTranscriber(mock.STTConfig{Transcript: s.Transcript, Err: s.err()}), nil
}

func buildMockLLM(req VendorRequest) (llm.LLMAdapter, error) {
	var s mockSettings
	schema := configutil.Schema{Optional: []string{"response", "error"}}.With(llmCommon...)
	if err := configutil.DecodeVendor("mock llm", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: s.Response, Err: s.err()}), nil
}

func buildMockSynthesizer(req VendorRequest) (tts.Synthesizer, error) {
	var s mockSettings
	schema := configutil.Schema{Optional: []string{"api_key", "audio", "mime", "error"}}
	if err := configutil.DecodeVendor("mock tts", req.Settings, schema, &s); err != nil {
		return nil, err
	}
	cfg := mock.TTSConfig{Err: s.err()}
	if s.Audio != "" {
		cfg.Audio = tts.Audio{Data: []byte(s.Audio), MimeType: configutil.StringValue(s.Mime, "audio/mpeg")}
	}
	return mock.NewSynthesizer(cfg), nil
}

type recognizerSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

// BuildRecognizer returns the streaming recognizer of a session, or nil when
// sessions upload whole utterances.
func BuildRecognizer(v VendorConfig, sessionID, language string) (*deepgram.Recognizer, error) {
	switch normalize(v.Provider) {
	case "", RecognizerNone:
		return nil, nil
	case RecognizerDeepgram:
	default:
		return nil, fmt.Errorf("recognizer provider not registered: %s", v.Provider)
	}
	var s recognizerSettings
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "utterance_end_ms"},
	}
	if err := configutil.DecodeVendor("deepgram", v.Settings, schema, &s); err != nil {
		return nil, err
	}
	return deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       configutil.StringValue(s.Language, language),
		SampleRate:     s.SampleRate,
		Encoding:       s.Encoding,
		UtteranceEndMS: s.UtteranceEndMS,
		SessionID:      sessionID,
	}), nil
}
