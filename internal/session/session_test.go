package session

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/review"
	"github.com/mohammad-safakhou/breakhunt/internal/stream"
)

func intp(n int) *int { return &n }

var testCriteria = []hunt.Criterion{{ID: "C1", Description: "stays in persona"}}

func newSession(t *testing.T) *Session {
	t.Helper()
	s, err := New("nb-1", testCriteria, review.Config{SelectionSize: 4, MinExplanationWords: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestApplyEventLifecycle(t *testing.T) {
	s := newSession(t)
	cfg, err := hunt.NewBatchConfig(2, []string{"m1", "m2"}, "anthropic", "judge-1", 2, 0.5, 0)
	if err != nil {
		t.Fatalf("NewBatchConfig: %v", err)
	}
	if err := s.BeginBatch(cfg); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := s.BeginBatch(cfg); err == nil {
		t.Fatalf("expected second BeginBatch to fail while hunting")
	}

	s.ApplyEvent(stream.Event{Type: stream.TypeHuntStart, HuntID: 1, Model: "m1"})
	s.ApplyEvent(stream.Event{Type: stream.TypeHuntResult, HuntID: 1, Score: intp(0)})
	// Result without a preceding start must insert a fresh row, not crash.
	s.ApplyEvent(stream.Event{Type: stream.TypeHuntResult, HuntID: 2, Score: intp(1)})
	s.ApplyEvent(stream.Event{Type: stream.TypeComplete})

	if s.Hunting() {
		t.Fatalf("complete event must mark hunting inactive")
	}
	rows := s.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].Result.Breaking {
		t.Fatalf("score 0 must derive breaking")
	}
	agg := s.Progress()
	if agg.Completed != 2 || agg.Breaking != 1 || agg.Percent() != 100 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
}

func TestAdvanceTurnFreezesAndResets(t *testing.T) {
	s := newSession(t)
	cfg, _ := hunt.NewBatchConfig(1, []string{"m1"}, "anthropic", "judge-1", 0, 0, 0)
	if err := s.BeginBatch(cfg); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	s.ApplyEvent(stream.Event{Type: stream.TypeHuntResult, HuntID: 1, Score: intp(0)})

	if _, err := s.AdvanceTurn(); err == nil {
		t.Fatalf("advance must be refused while hunting is active")
	}
	s.ApplyEvent(stream.Event{Type: stream.TypeComplete})

	rec, err := s.AdvanceTurn()
	if err != nil {
		t.Fatalf("AdvanceTurn: %v", err)
	}
	if rec.Turn != 1 || len(rec.Results) != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if s.Turn() != 2 {
		t.Fatalf("expected turn 2, got %d", s.Turn())
	}
	if len(s.Rows()) != 0 {
		t.Fatalf("live turn must be empty after advance")
	}

	// A replayed delivery from the closed turn must be discarded.
	s.MergeResults([]hunt.Result{{HuntID: 1, Status: hunt.StatusCompleted}})
	if len(s.Rows()) != 0 {
		t.Fatalf("previous-turn hunt id must not reappear")
	}

	st := s.Stats()
	if st.Turns != 1 || st.TotalHunts != 1 || st.TotalBreaking != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestReplaceResultsBlockedAfterSelection(t *testing.T) {
	s := newSession(t)
	s.MergeResults([]hunt.Result{{HuntID: 1, Status: hunt.StatusCompleted, Score: intp(0), Breaking: true}})
	if err := s.WithMachine(func(m *review.Machine) error { return m.Toggle(1) }); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if err := s.ReplaceResults(nil); err == nil {
		t.Fatalf("replace must be refused after selection started")
	}
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry()
	s := newSession(t)
	r.Put(s)
	if swept := r.SweepExpired(time.Hour); len(swept) != 0 {
		t.Fatalf("fresh session must survive sweep, swept %v", swept)
	}
	if swept := r.SweepExpired(-time.Second); len(swept) != 1 || swept[0] != s.ID() {
		t.Fatalf("expected idle session swept, got %v", swept)
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Fatalf("swept session must be gone")
	}
}
