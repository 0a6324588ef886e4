package conversation

import (
	"fmt"
	"testing"
	"time"
)

func TestStoreEvictsFIFO(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 7; i++ {
		_, evicted := s.Append(SpeakerUser, fmt.Sprintf("t%d", i))
		if s.Len() > 3 {
			t.Fatalf("store grew beyond limit: %d", s.Len())
		}
		if i >= 3 {
			if len(evicted) != 1 || evicted[0].Text != fmt.Sprintf("t%d", i-3) {
				t.Fatalf("step %d: expected t%d evicted, got %+v", i, i-3, evicted)
			}
		}
	}
	got := s.Snapshot()
	for i, want := range []string{"t4", "t5", "t6"} {
		if got[i].Text != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].Text)
		}
	}
}

func TestStoreDefaultLimit(t *testing.T) {
	s := NewStore(0)
	if s.Limit() != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, s.Limit())
	}
}

func TestStoreChronologicalOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute)}
	i := 0
	s := NewStore(5).WithClock(func() time.Time {
		t := times[i]
		i++
		return t
	})
	first, _ := s.Append(SpeakerUser, "a")
	second, _ := s.Append(SpeakerAssistant, "b")
	if second.CreatedAt.Before(first.CreatedAt) {
		t.Fatalf("turns must never go back in time")
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected unique ids")
	}
}

func TestStoreClear(t *testing.T) {
	s := NewStore(10)
	for i := 0; i < 5; i++ {
		s.Append(SpeakerUser, "x")
	}
	if n := s.Clear(); n != 5 {
		t.Fatalf("expected 5 cleared, got %d", n)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
	if _, ok := s.Last(); ok {
		t.Fatalf("expected no last turn")
	}
}

func TestStoreDialogueSkipsErrorMarkers(t *testing.T) {
	s := NewStore(10)
	s.Append(SpeakerUser, "ciao")
	s.Append(SpeakerError, "dialogue failed")
	s.Append(SpeakerUser, "ciao?")
	s.Append(SpeakerAssistant, "Ciao!")
	pending, _ := s.Append(SpeakerUser, "come stai")

	got := s.Dialogue(pending.ID)
	if len(got) != 3 {
		t.Fatalf("expected 3 context turns, got %d", len(got))
	}
	for _, turn := range got {
		if turn.Speaker == SpeakerError {
			t.Fatalf("error markers must not reach the model")
		}
		if turn.ID == pending.ID {
			t.Fatalf("excluded turn leaked into context")
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(2)
	s.Append(SpeakerUser, "a")
	snap := s.Snapshot()
	snap[0].Text = "mutated"
	if last, _ := s.Last(); last.Text != "a" {
		t.Fatalf("snapshot mutation leaked into store")
	}
}

func TestSetLimitShrinksFromTheFront(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 5; i++ {
		s.Append(SpeakerUser, string(rune('a'+i)))
	}
	evicted := s.SetLimit(2)
	if len(evicted) != 3 || evicted[0].Text != "a" {
		t.Fatalf("unexpected evicted turns %+v", evicted)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Text != "d" || snap[1].Text != "e" {
		t.Fatalf("unexpected remaining turns %+v", snap)
	}
	if s.SetLimit(0) != nil || s.Limit() != DefaultLimit {
		t.Fatalf("non-positive limit should restore the default")
	}
}
