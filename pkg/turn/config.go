package turn

import (
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/conversation"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/llm"
)

const (
	DefaultLanguage          = "pt-BR"
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 300
	DefaultCaptureRetries    = 3
	DefaultCaptureRetryDelay = time.Second
)

// Config is the immutable per-session configuration.
type Config struct {
	// Credentials maps a credential name (e.g. "openai.api_key") to its value.
	// Every entry must be non-empty.
	Credentials map[string]string

	Language string
	Voice    tts.Voice

	// Temperature is nil when unset; 0 asks for deterministic replies.
	Temperature  *float64
	MaxTokens    int
	Persona      string
	SystemPrompt string
	MaxSentences int
	// MaxReplyChars, when positive, cuts replies to MaxSentences sentences
	// and this many characters before synthesis.
	MaxReplyChars int

	HistoryLimit      int
	CaptureRetries    int
	CaptureRetryDelay time.Duration
	// StageTimeout bounds each service call. Zero leaves it to the clients.
	StageTimeout time.Duration
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Language) == "" {
		c.Language = DefaultLanguage
	}
	if c.Voice.Language == "" {
		c.Voice.Language = c.Language
	}
	if c.Temperature == nil {
		c.Temperature = llm.Temperature(DefaultTemperature)
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxSentences <= 0 {
		c.MaxSentences = llm.DefaultMaxSentences
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = conversation.DefaultLimit
	}
	if c.CaptureRetries <= 0 {
		c.CaptureRetries = DefaultCaptureRetries
	}
	if c.CaptureRetryDelay <= 0 {
		c.CaptureRetryDelay = DefaultCaptureRetryDelay
	}
	return c
}

// Validate returns a NotConfiguredError naming every blank credential.
func (c Config) Validate() error {
	var missing []string
	for name, value := range c.Credentials {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	return errorsx.NewNotConfigured(missing...)
}

// SystemInstruction returns the explicit system prompt or composes one.
func (c Config) SystemInstruction() string {
	if strings.TrimSpace(c.SystemPrompt) != "" {
		return c.SystemPrompt
	}
	return llm.BuildSystemPrompt(c.Persona, c.Language, c.MaxSentences)
}

// Clients are the three service clients a session talks to.
type Clients struct {
	Transcriber stt.Transcriber
	Dialogue    llm.LLMAdapter
	Synthesizer tts.Synthesizer
}

func (c Clients) validate() error {
	var missing []string
	if c.Transcriber == nil {
		missing = append(missing, "transcriber")
	}
	if c.Dialogue == nil {
		missing = append(missing, "dialogue")
	}
	if c.Synthesizer == nil {
		missing = append(missing, "synthesizer")
	}
	return errorsx.NewNotConfigured(missing...)
}

// ClientBuilder constructs the service clients for a configuration.
type ClientBuilder interface {
	Build(cfg Config) (Clients, error)
}

type ClientBuilderFunc func(cfg Config) (Clients, error)

func (f ClientBuilderFunc) Build(cfg Config) (Clients, error) { return f(cfg) }

// StaticClients always returns the same clients.
func StaticClients(c Clients) ClientBuilder {
	return ClientBuilderFunc(func(Config) (Clients, error) { return c, nil })
}
