// Package session owns the mutable state of one notebook-evaluation run: the
// live turn (results, progress, selection, reviews) and the append-only
// history of closed turns. All mutation is funneled through the session's
// mutex so one handler runs to completion before the next.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/review"
	"github.com/mohammad-safakhou/breakhunt/internal/stream"
)

// TurnRecord is the immutable snapshot of a closed turn. History exclusively
// owns these; nothing mutates a record after close.
type TurnRecord struct {
	Turn     int                   `json:"turn"`
	Config   hunt.BatchConfig      `json:"config"`
	Results  []hunt.Row            `json:"results"`
	Reviews  map[int]review.Review `json:"reviews"`
	ClosedAt time.Time             `json:"closed_at"`
}

// Stats is the cumulative view folded over history plus the live turn.
type Stats struct {
	Turns         int `json:"turns"`
	TotalHunts    int `json:"total_hunts"`
	TotalBreaking int `json:"total_breaking"`
}

// Session is the single-owner state object for one evaluation run.
type Session struct {
	mu sync.Mutex

	id         string
	notebookID string
	turn       int

	criteria []hunt.Criterion
	batch    *hunt.BatchConfig
	acc      *hunt.Accumulator
	agg      hunt.Aggregate
	machine  *review.Machine
	hunting  bool

	history []TurnRecord

	reviewCfg review.Config

	createdAt time.Time
	lastSeen  time.Time
}

// New creates a session for a notebook with the turn's grading criteria.
func New(notebookID string, criteria []hunt.Criterion, reviewCfg review.Config) (*Session, error) {
	if notebookID == "" {
		return nil, fmt.Errorf("notebook id is required")
	}
	s := &Session{
		id:         uuid.NewString(),
		notebookID: notebookID,
		turn:       1,
		criteria:   append([]hunt.Criterion(nil), criteria...),
		acc:        hunt.NewAccumulator(),
		reviewCfg:  reviewCfg,
		createdAt:  time.Now().UTC(),
		lastSeen:   time.Now().UTC(),
	}
	machine, err := review.NewMachine(reviewCfg, s.acc, s.criteria)
	if err != nil {
		return nil, err
	}
	s.machine = machine
	return s, nil
}

// Restore rebuilds a session object around an existing id, used when the
// client resumes after a reload.
func Restore(id, notebookID string, turn int, criteria []hunt.Criterion, reviewCfg review.Config) (*Session, error) {
	s, err := New(notebookID, criteria, reviewCfg)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	s.id = id
	if turn > 0 {
		s.turn = turn
	}
	return s, nil
}

// ID returns the opaque session token.
func (s *Session) ID() string { return s.id }

// NotebookID returns the notebook this session evaluates.
func (s *Session) NotebookID() string { return s.notebookID }

// Turn returns the current turn number.
func (s *Session) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Touch records client activity for expiry bookkeeping.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// LastSeen returns the time of the most recent client activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Criteria returns the turn's rubric.
func (s *Session) Criteria() []hunt.Criterion {
	return append([]hunt.Criterion(nil), s.criteria...)
}

// BeginBatch installs the immutable batch snapshot and marks hunting active.
func (s *Session) BeginBatch(cfg hunt.BatchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hunting {
		return fmt.Errorf("a batch is already in flight for this turn")
	}
	batch := cfg
	s.batch = &batch
	s.hunting = true
	s.agg = hunt.Aggregate{Total: cfg.Workers}
	return nil
}

// Hunting reports whether a batch is active.
func (s *Session) Hunting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hunting
}

// Batch returns the live batch snapshot, if any.
func (s *Session) Batch() (hunt.BatchConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return hunt.BatchConfig{}, false
	}
	return *s.batch, true
}

// ApplyEvent folds one deduplicated stream event into the turn state. Events
// for unknown hunt ids are tolerated: the row lookup may legitimately miss
// when reconnection skipped a hunt_start, so the result is inserted fresh.
func (s *Session) ApplyEvent(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agg = hunt.Reduce(s.agg, ev)

	switch ev.Type {
	case stream.TypeHuntStart:
		s.acc.Upsert(hunt.ResultFromEvent(ev))
	case stream.TypeHuntResult:
		var res hunt.Result
		if row, ok := s.acc.Get(ev.HuntID); ok {
			res = row.Result
		} else {
			res = hunt.Result{HuntID: ev.HuntID, Status: hunt.StatusRunning}
		}
		res.ApplyResultEvent(ev)
		s.acc.Upsert(res)
	case stream.TypeComplete:
		s.hunting = false
	}
}

// EndBatch marks hunting inactive, releasing the launch locks tied to it.
func (s *Session) EndBatch() {
	s.mu.Lock()
	s.hunting = false
	s.mu.Unlock()
}

// MergeResults reconciles a polled canonical result list into the turn.
func (s *Session) MergeResults(results []hunt.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acc.Merge(results)
	s.recountLocked()
}

// ReplaceResults installs a canonical list wholesale. Only legal before
// selection has started.
func (s *Session) ReplaceResults(results []hunt.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.machine.Selected()) > 0 || s.machine.Confirmed() {
		return fmt.Errorf("cannot replace results after selection started")
	}
	s.acc.Replace(results)
	s.recountLocked()
	return nil
}

// recountLocked rebuilds the aggregate from the accumulator after a merge,
// since polled results bypass the event reducer.
func (s *Session) recountLocked() {
	agg := hunt.Aggregate{Total: s.agg.Total}
	for _, row := range s.acc.Rows() {
		switch row.Result.Status {
		case hunt.StatusCompleted, hunt.StatusFailed:
			agg.Completed++
		}
		if row.Result.Breaking {
			agg.Breaking++
		}
	}
	if agg.Total < s.acc.Len() {
		agg.Total = s.acc.Len()
	}
	s.agg = agg
}

// Progress returns the live aggregate.
func (s *Session) Progress() hunt.Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg
}

// Rows returns the turn's ordered result rows.
func (s *Session) Rows() []hunt.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.Rows()
}

// Machine exposes the turn's review state machine. Callers hold no lock; the
// machine's operations are invoked through WithMachine to stay single-writer.
func (s *Session) WithMachine(fn func(m *review.Machine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.machine)
}

// AdvanceTurn closes the live turn into history, freezes its hunt ids, and
// resets per-turn state. The caller resets the quota turn counter alongside.
func (s *Session) AdvanceTurn() (TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hunting {
		return TurnRecord{}, fmt.Errorf("cannot advance turn while hunting is active")
	}
	record := TurnRecord{
		Turn:     s.turn,
		Results:  s.acc.Rows(),
		Reviews:  s.machine.Reviews(),
		ClosedAt: time.Now().UTC(),
	}
	if s.batch != nil {
		record.Config = *s.batch
	}
	s.history = append(s.history, record)

	s.acc.FreezeTurn()
	machine, err := review.NewMachine(s.reviewCfg, s.acc, s.criteria)
	if err != nil {
		return TurnRecord{}, err
	}
	s.machine = machine
	s.batch = nil
	s.agg = hunt.Aggregate{}
	s.turn++
	return record, nil
}

// History returns the closed-turn snapshots in order.
func (s *Session) History() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnRecord(nil), s.history...)
}

// Stats folds cumulative statistics over history plus the live turn.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Turns: len(s.history)}
	for _, rec := range s.history {
		for _, row := range rec.Results {
			st.TotalHunts++
			if row.Result.Breaking {
				st.TotalBreaking++
			}
		}
	}
	for _, row := range s.acc.Rows() {
		st.TotalHunts++
		if row.Result.Breaking {
			st.TotalBreaking++
		}
	}
	return st
}
