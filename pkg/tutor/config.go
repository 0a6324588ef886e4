package tutor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/configutil"
	"github.com/harunnryd/tutorcall/pkg/conversation"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/transports/twilio"
	"github.com/harunnryd/tutorcall/pkg/turn"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Recognizer    VendorConfig        `mapstructure:"recognizer"`
	Assistant     AssistantConfig     `mapstructure:"assistant"`
	RTC           twilio.TokenConfig  `mapstructure:"rtc"`
	Preferences   PreferencesConfig   `mapstructure:"preferences"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr              string   `mapstructure:"addr"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	MaxUploadMB       int      `mapstructure:"max_upload_mb"`
	ShutdownTimeoutMS int      `mapstructure:"shutdown_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
	TTS VendorConfig `mapstructure:"tts"`
}

// AssistantConfig holds the defaults every new session starts from.
type AssistantConfig struct {
	Language            string   `mapstructure:"language"`
	Voice               string   `mapstructure:"voice"`
	Rate                string   `mapstructure:"rate"`
	Pitch               string   `mapstructure:"pitch"`
	Temperature         *float64 `mapstructure:"temperature"`
	MaxTokens           int      `mapstructure:"max_tokens"`
	Persona             string   `mapstructure:"persona"`
	SystemPrompt        string   `mapstructure:"system_prompt"`
	MaxSentences        int      `mapstructure:"max_sentences"`
	MaxReplyChars       int      `mapstructure:"max_reply_chars"`
	HistoryLimit        int      `mapstructure:"history_limit"`
	CaptureRetries      int      `mapstructure:"capture_retries"`
	CaptureRetryDelayMS int      `mapstructure:"capture_retry_delay_ms"`
	StageTimeoutMS      int      `mapstructure:"stage_timeout_ms"`
}

type PreferencesConfig struct {
	Path string `mapstructure:"path"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	MetricsPath   string  `mapstructure:"metrics_path"`
	SampleRate    float64 `mapstructure:"sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// TurnConfig converts the assistant defaults into a session configuration
// without credentials.
func (a AssistantConfig) TurnConfig() turn.Config {
	return turn.Config{
		Language: a.Language,
		Voice: tts.Voice{
			Name:  a.Voice,
			Rate:  a.Rate,
			Pitch: a.Pitch,
		},
		Temperature:       cloneFloat(a.Temperature),
		MaxTokens:         a.MaxTokens,
		Persona:           a.Persona,
		SystemPrompt:      a.SystemPrompt,
		MaxSentences:      a.MaxSentences,
		MaxReplyChars:     a.MaxReplyChars,
		HistoryLimit:      a.HistoryLimit,
		CaptureRetries:    a.CaptureRetries,
		CaptureRetryDelay: configutil.DurationMS(a.CaptureRetryDelayMS, turn.DefaultCaptureRetryDelay),
		StageTimeout:      configutil.DurationMS(a.StageTimeoutMS, 0),
	}
}

// LoadConfig reads .env (if any), then the YAML file at path. An empty path
// yields the defaults plus environment overrides.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("vendors.stt.provider", "openai")
	v.SetDefault("vendors.llm.provider", "openai")
	v.SetDefault("vendors.tts.provider", "azure")
	v.SetDefault("recognizer.provider", "none")
	v.SetDefault("assistant.language", turn.DefaultLanguage)
	v.SetDefault("assistant.voice", "pt-BR-AntonioNeural")
	v.SetDefault("assistant.rate", "0%")
	v.SetDefault("assistant.pitch", "0%")
	v.SetDefault("assistant.temperature", turn.DefaultTemperature)
	v.SetDefault("assistant.max_tokens", turn.DefaultMaxTokens)
	v.SetDefault("assistant.persona", "")
	v.SetDefault("assistant.system_prompt", "")
	v.SetDefault("assistant.max_sentences", llm.DefaultMaxSentences)
	v.SetDefault("assistant.max_reply_chars", 0)
	v.SetDefault("assistant.history_limit", conversation.DefaultLimit)
	v.SetDefault("assistant.capture_retries", turn.DefaultCaptureRetries)
	v.SetDefault("assistant.capture_retry_delay_ms", 1000)
	v.SetDefault("assistant.stage_timeout_ms", 0)
	v.SetDefault("rtc.account_sid", "")
	v.SetDefault("rtc.api_key_sid", "")
	v.SetDefault("rtc.api_key_secret", "")
	v.SetDefault("rtc.app_id", "")
	v.SetDefault("rtc.default_channel", twilio.DefaultChannel)
	v.SetDefault("rtc.token_ttl_seconds", int(twilio.DefaultTokenTTL.Seconds()))
	v.SetDefault("preferences.path", "")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Vendors.STT.Provider, "vendors.stt.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.LLM.Provider, "vendors.llm.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.TTS.Provider, "vendors.tts.provider"); err != nil {
		return err
	}
	switch normalize(c.Recognizer.Provider) {
	case "", RecognizerNone, RecognizerDeepgram:
	default:
		return fmt.Errorf("recognizer.provider: unknown provider %q", c.Recognizer.Provider)
	}
	if c.Server.MaxUploadMB < 0 {
		return fmt.Errorf("server.max_upload_mb must not be negative")
	}
	if t := c.Assistant.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("assistant.temperature must be within [0, 2]")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0, 1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return llm.Temperature(*v)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
