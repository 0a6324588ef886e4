// Package conversation keeps the bounded, ordered log of turns exchanged
// between the user and the assistant during one call session.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is the number of turns kept when no limit is configured.
const DefaultLimit = 20

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	// SpeakerError marks a user turn that could not be answered.
	SpeakerError Speaker = "error"
)

// Turn is one recorded utterance, reply or error marker.
type Turn struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a FIFO sliding window of turns. Turns are never edited once
// appended; they leave only through eviction or Clear.
type Store struct {
	mu    sync.RWMutex
	turns []Turn
	limit int
	now   func() time.Time
}

// NewStore creates a store keeping at most limit turns.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{limit: limit, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Limit returns the maximum number of retained turns.
func (s *Store) Limit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limit
}

// SetLimit changes the cap, evicting the oldest turns when it shrinks.
func (s *Store) SetLimit(limit int) []Turn {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	return s.evictLocked()
}

// Append records a turn and evicts the oldest ones beyond the limit.
// The returned slice holds the evicted turns, oldest first.
func (s *Store) Append(speaker Speaker, text string) (Turn, []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := s.now()
	if n := len(s.turns); n > 0 && created.Before(s.turns[n-1].CreatedAt) {
		created = s.turns[n-1].CreatedAt
	}
	turn := Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		CreatedAt: created,
	}
	s.turns = append(s.turns, turn)
	return turn, s.evictLocked()
}

func (s *Store) evictLocked() []Turn {
	over := len(s.turns) - s.limit
	if over <= 0 {
		return nil
	}
	evicted := append([]Turn(nil), s.turns[:over]...)
	kept := make([]Turn, s.limit)
	copy(kept, s.turns[over:])
	s.turns = kept
	return evicted
}

// Clear empties the store and returns how many turns were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.turns)
	s.turns = nil
	return n
}

// Len returns the number of retained turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Snapshot returns a copy of all retained turns, oldest first.
func (s *Store) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Last returns the most recent turn.
func (s *Store) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Dialogue returns the user and assistant turns used as model context.
// Error markers are skipped, as is a trailing user turn when exclude is set
// to that turn's ID (the message being answered is sent separately).
func (s *Store) Dialogue(exclude string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		if t.Speaker == SpeakerError {
			continue
		}
		if exclude != "" && t.ID == exclude {
			continue
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}
