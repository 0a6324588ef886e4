package browser

import (
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
)

type Config struct {
	AllowAnyOrigin  bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	WriteQueue      int           `mapstructure:"write_queue"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	// DefaultMime labels utterances when the browser never announced one.
	DefaultMime string `mapstructure:"default_mime"`
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = stt.MaxAudioBytes
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DefaultMime == "" {
		c.DefaultMime = "audio/webm"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) checkOrigin(r *http.Request) bool {
	if c.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range c.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
