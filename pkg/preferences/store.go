package preferences

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/spf13/viper"
)

// Preferences are the assistant settings a user can change at runtime.
// Conversation history is never part of them.
type Preferences struct {
	STTKey    string `mapstructure:"stt_api_key" json:"sttApiKey,omitempty"`
	LLMKey    string `mapstructure:"llm_api_key" json:"llmApiKey,omitempty"`
	TTSKey    string `mapstructure:"tts_api_key" json:"ttsApiKey,omitempty"`
	TTSRegion string `mapstructure:"tts_region" json:"ttsRegion,omitempty"`
	Voice     string `mapstructure:"voice" json:"voice,omitempty"`
	Rate      string `mapstructure:"rate" json:"rate,omitempty"`
	Pitch     string `mapstructure:"pitch" json:"pitch,omitempty"`
	Language  string `mapstructure:"language" json:"language,omitempty"`
}

// Masked hides the service keys.
func (p Preferences) Masked() Preferences {
	p.STTKey = redact.Secret(p.STTKey)
	p.LLMKey = redact.Secret(p.LLMKey)
	p.TTSKey = redact.Secret(p.TTSKey)
	return p
}

// Merge overlays the non-empty fields of update. Masked keys echoed back by
// a client leave the stored key untouched.
func (p Preferences) Merge(update Preferences) Preferences {
	p.STTKey = mergeSecret(p.STTKey, update.STTKey)
	p.LLMKey = mergeSecret(p.LLMKey, update.LLMKey)
	p.TTSKey = mergeSecret(p.TTSKey, update.TTSKey)
	p.TTSRegion = mergeValue(p.TTSRegion, update.TTSRegion)
	p.Voice = mergeValue(p.Voice, update.Voice)
	p.Rate = mergeValue(p.Rate, update.Rate)
	p.Pitch = mergeValue(p.Pitch, update.Pitch)
	p.Language = mergeValue(p.Language, update.Language)
	return p
}

func mergeValue(cur, next string) string {
	if v := strings.TrimSpace(next); v != "" {
		return v
	}
	return cur
}

func mergeSecret(cur, next string) string {
	if redact.IsMasked(next) {
		return cur
	}
	return mergeValue(cur, next)
}

// Store keeps Preferences in a YAML file. With an empty path it only holds
// them in memory.
type Store struct {
	mu      sync.RWMutex
	path    string
	v       *viper.Viper
	current Preferences
}

// Open loads path when it exists.
func Open(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	s := &Store{path: strings.TrimSpace(path), v: v}
	if s.path == "" {
		return s, nil
	}
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read preferences: %w", err)
		}
		return s, nil
	}
	if err := v.Unmarshal(&s.current); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return s, nil
}

// Get returns the stored preferences unmasked.
func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update merges update into the stored preferences and persists them.
func (s *Store) Update(update Preferences) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.Merge(update)
	if s.path != "" {
		if err := s.write(next); err != nil {
			return s.current, err
		}
	}
	s.current = next
	return next, nil
}

func (s *Store) write(p Preferences) error {
	s.v.Set("stt_api_key", p.STTKey)
	s.v.Set("llm_api_key", p.LLMKey)
	s.v.Set("tts_api_key", p.TTSKey)
	s.v.Set("tts_region", p.TTSRegion)
	s.v.Set("voice", p.Voice)
	s.v.Set("rate", p.Rate)
	s.v.Set("pitch", p.Pitch)
	s.v.Set("language", p.Language)
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create preferences dir: %w", err)
		}
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
