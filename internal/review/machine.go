// Package review governs the trainer's path from selection through grading to
// reveal and export. Every transition goes through a guarded operation; there
// is no direct field mutation from call sites, and every guard failure names
// the specific missing condition.
package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
)

// Phase enumerates the workflow states.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseSelecting  Phase = "selecting"
	PhaseConfirmed  Phase = "confirmed"
	PhaseReviewing  Phase = "reviewing"
	PhaseRevealed   Phase = "revealed"
	PhaseExportable Phase = "exportable"
)

// ResultSource exposes the turn's accumulated results by stable row number.
// hunt.Accumulator satisfies it.
type ResultSource interface {
	ByRow(number int) (hunt.Row, bool)
	Len() int
}

// Review is one graded slot, keyed by stable row number. Row number, not hunt
// id, is the single review identity: it survives the hunt-id collision edge
// cases merge recovery can produce.
type Review struct {
	Row         int             `json:"row"`
	HuntID      int             `json:"hunt_id"`
	Grades      map[string]bool `json:"grades"`
	Explanation string          `json:"explanation"`
	Verdict     hunt.Verdict    `json:"verdict,omitempty"`
	Submitted   bool            `json:"submitted"`
	SubmittedAt time.Time       `json:"submitted_at,omitempty"`
}

// Config fixes the machine's gates for a turn.
type Config struct {
	SelectionSize       int
	MinExplanationWords int
	// AdminOverride relaxes selection size, composition, diversity, and the
	// post-confirm selection lock. Reveal monotonicity still applies.
	AdminOverride bool
}

// Machine is the selection & review state machine for one turn.
type Machine struct {
	cfg      Config
	source   ResultSource
	criteria []hunt.Criterion

	selected  []int // row numbers in selection order
	confirmed bool
	diversity bool
	reviews   map[int]*Review
	revealed  bool
	exported  bool
}

// NewMachine builds a machine over the turn's result source and criteria.
func NewMachine(cfg Config, source ResultSource, criteria []hunt.Criterion) (*Machine, error) {
	if source == nil {
		return nil, fmt.Errorf("result source is required")
	}
	if cfg.SelectionSize <= 0 {
		cfg.SelectionSize = 4
	}
	if cfg.MinExplanationWords <= 0 {
		cfg.MinExplanationWords = 10
	}
	return &Machine{
		cfg:      cfg,
		source:   source,
		criteria: append([]hunt.Criterion(nil), criteria...),
		reviews:  make(map[int]*Review),
	}, nil
}

// Phase reports the current workflow state.
func (m *Machine) Phase() Phase {
	switch {
	case m.exported:
		return PhaseExportable
	case m.revealed:
		return PhaseRevealed
	case m.confirmed && len(m.reviews) > 0:
		return PhaseReviewing
	case m.confirmed:
		return PhaseConfirmed
	case m.source.Len() > 0:
		return PhaseSelecting
	default:
		return PhaseCollecting
	}
}

// Selected returns the row numbers in selection order.
func (m *Machine) Selected() []int {
	return append([]int(nil), m.selected...)
}

// Confirmed reports whether the selection is locked.
func (m *Machine) Confirmed() bool { return m.confirmed }

// Revealed reports whether judge output has been unlocked.
func (m *Machine) Revealed() bool { return m.revealed }

// DiversityPassed reports the stored diversity-check outcome.
func (m *Machine) DiversityPassed() bool { return m.diversity }

// Review returns the review for a row, if one has been opened.
func (m *Machine) Review(row int) (Review, bool) {
	r, ok := m.reviews[row]
	if !ok {
		return Review{}, false
	}
	return *r, true
}

// Reviews returns all opened reviews keyed by row.
func (m *Machine) Reviews() map[int]Review {
	out := make(map[int]Review, len(m.reviews))
	for row, r := range m.reviews {
		out[row] = *r
	}
	return out
}

// SubmittedCount reports how many selected rows carry a submitted review.
func (m *Machine) SubmittedCount() int {
	n := 0
	for _, row := range m.selected {
		if r, ok := m.reviews[row]; ok && r.Submitted {
			n++
		}
	}
	return n
}

// Toggle adds or removes a row from the selection. Adding the entry that
// fills the selection validates the resulting combination immediately; an
// invalid combination is rejected and the selection is left unchanged.
func (m *Machine) Toggle(row int) error {
	if m.revealed {
		return ErrRevealed
	}
	if m.confirmed && !m.cfg.AdminOverride {
		return ErrSelectionLocked
	}
	if _, ok := m.source.ByRow(row); !ok {
		return UnknownRowError{Row: row}
	}
	for i, sel := range m.selected {
		if sel == row {
			m.selected = append(m.selected[:i], m.selected[i+1:]...)
			return nil
		}
	}
	if len(m.selected) >= m.cfg.SelectionSize {
		return SelectionSizeError{Selected: len(m.selected) + 1, Required: m.cfg.SelectionSize}
	}
	if !m.cfg.AdminOverride && len(m.selected)+1 == m.cfg.SelectionSize {
		if err := m.checkComposition(append(m.Selected(), row)); err != nil {
			return err
		}
	}
	m.selected = append(m.selected, row)
	return nil
}

// Confirm locks the selection. The combination rule demands either all
// selected results breaking, or exactly one passing among them; the diversity
// check applies only to the mixed case. Admin override accepts 1..size of any
// composition.
func (m *Machine) Confirm() error {
	if m.revealed {
		return ErrRevealed
	}
	if m.confirmed {
		return ErrSelectionLocked
	}
	if m.cfg.AdminOverride {
		if len(m.selected) < 1 || len(m.selected) > m.cfg.SelectionSize {
			return SelectionSizeError{Selected: len(m.selected), Required: m.cfg.SelectionSize}
		}
		m.confirmed = true
		return nil
	}
	if len(m.selected) != m.cfg.SelectionSize {
		return SelectionSizeError{Selected: len(m.selected), Required: m.cfg.SelectionSize}
	}
	if err := m.checkComposition(m.selected); err != nil {
		return err
	}
	breaking, _ := m.classify(m.selected)
	if breaking < len(m.selected) {
		// Mixed selection: demand at least one criterion with verdicts on
		// both sides. An all-breaking selection skips this check.
		if err := m.checkDiversity(m.selected); err != nil {
			m.diversity = false
			return err
		}
		m.diversity = true
	}
	m.confirmed = true
	return nil
}

// classify counts breaking (judge score 0) and passing (score 1) rows.
func (m *Machine) classify(rows []int) (breaking, passing int) {
	for _, number := range rows {
		row, ok := m.source.ByRow(number)
		if !ok {
			continue
		}
		score := row.Result.Score
		switch {
		case score != nil && *score == 0:
			breaking++
		case score != nil && *score == 1:
			passing++
		}
	}
	return breaking, passing
}

func (m *Machine) checkComposition(rows []int) error {
	breaking, passing := m.classify(rows)
	if breaking == len(rows) {
		return nil
	}
	if breaking == len(rows)-1 && passing == 1 {
		return nil
	}
	return CompositionError{Breaking: breaking, Passing: passing}
}

// checkDiversity demands at least one criterion carrying both a PASS and a
// FAIL among the selected judge verdicts.
func (m *Machine) checkDiversity(rows []int) error {
	tallies := make(map[string]Tally, len(m.criteria))
	for _, c := range m.criteria {
		tallies[c.ID] = Tally{}
	}
	for _, number := range rows {
		row, ok := m.source.ByRow(number)
		if !ok {
			continue
		}
		for id, verdict := range row.Result.Verdicts {
			t := tallies[id]
			switch verdict {
			case hunt.VerdictPass:
				t.Pass++
			case hunt.VerdictFail:
				t.Fail++
			}
			tallies[id] = t
		}
	}
	for _, t := range tallies {
		if t.Pass > 0 && t.Fail > 0 {
			return nil
		}
	}
	return DiversityError{Tallies: tallies}
}

// OpenReview creates (or returns) the grading slot for a selected row.
func (m *Machine) OpenReview(row int) (Review, error) {
	if m.revealed {
		if r, ok := m.reviews[row]; ok {
			return *r, nil
		}
		return Review{}, ErrRevealed
	}
	if !m.confirmed {
		return Review{}, ErrNotConfirmed
	}
	if !m.isSelected(row) {
		return Review{}, NotSelectedError{Row: row}
	}
	if r, ok := m.reviews[row]; ok {
		return *r, nil
	}
	src, _ := m.source.ByRow(row)
	r := &Review{
		Row:    row,
		HuntID: src.Result.HuntID,
		Grades: make(map[string]bool),
	}
	m.reviews[row] = r
	return *r, nil
}

// Grade records a pass/fail call for one criterion on one review.
func (m *Machine) Grade(row int, criterionID string, pass bool) error {
	r, err := m.mutableReview(row)
	if err != nil {
		return err
	}
	if !m.knownCriterion(criterionID) {
		return fmt.Errorf("unknown criterion %q", criterionID)
	}
	r.Grades[criterionID] = pass
	return nil
}

// SetExplanation records the free-text justification for one review.
func (m *Machine) SetExplanation(row int, text string) error {
	r, err := m.mutableReview(row)
	if err != nil {
		return err
	}
	r.Explanation = text
	return nil
}

// Submit finalizes one review. It requires every criterion graded and the
// explanation to meet the word minimum; both shortfalls are enumerated.
func (m *Machine) Submit(row int) error {
	r, err := m.mutableReview(row)
	if err != nil {
		return err
	}
	var missing []string
	for _, c := range m.criteria {
		if _, ok := r.Grades[c.ID]; !ok {
			missing = append(missing, c.ID)
		}
	}
	if len(missing) > 0 {
		return UngradedError{Row: row, Missing: missing}
	}
	words := len(strings.Fields(r.Explanation))
	if words < m.cfg.MinExplanationWords {
		return ExplanationTooShortError{Row: row, Words: words, MinWords: m.cfg.MinExplanationWords}
	}
	r.Verdict = hunt.VerdictPass
	for _, pass := range r.Grades {
		if !pass {
			r.Verdict = hunt.VerdictFail
			break
		}
	}
	r.Submitted = true
	r.SubmittedAt = time.Now().UTC()
	return nil
}

// Reveal is the one-way transition that freezes every review and unlocks the
// judge output for display. It requires a submitted review on every selected
// row.
func (m *Machine) Reveal() error {
	if m.revealed {
		return nil
	}
	if !m.confirmed {
		return ErrNotConfirmed
	}
	var unsubmitted []int
	for _, row := range m.selected {
		r, ok := m.reviews[row]
		if !ok || !r.Submitted {
			unsubmitted = append(unsubmitted, row)
		}
	}
	if len(unsubmitted) > 0 {
		return UnsubmittedError{Rows: unsubmitted}
	}
	m.revealed = true
	return nil
}

// ExportReady validates the export gate: exactly the full selection size,
// each row with a submitted review, after reveal. Admin override relaxes the
// size to the confirmed selection.
func (m *Machine) ExportReady() error {
	if !m.revealed {
		return fmt.Errorf("reveal must happen before export")
	}
	if !m.cfg.AdminOverride && len(m.selected) != m.cfg.SelectionSize {
		return SelectionSizeError{Selected: len(m.selected), Required: m.cfg.SelectionSize}
	}
	var unsubmitted []int
	for _, row := range m.selected {
		r, ok := m.reviews[row]
		if !ok || !r.Submitted {
			unsubmitted = append(unsubmitted, row)
		}
	}
	if len(unsubmitted) > 0 {
		return UnsubmittedError{Rows: unsubmitted}
	}
	m.exported = true
	return nil
}

func (m *Machine) mutableReview(row int) (*Review, error) {
	if m.revealed {
		return nil, ErrRevealed
	}
	if !m.confirmed {
		return nil, ErrNotConfirmed
	}
	if !m.isSelected(row) {
		return nil, NotSelectedError{Row: row}
	}
	r, ok := m.reviews[row]
	if !ok {
		if _, err := m.OpenReview(row); err != nil {
			return nil, err
		}
		r = m.reviews[row]
	}
	return r, nil
}

func (m *Machine) isSelected(row int) bool {
	for _, sel := range m.selected {
		if sel == row {
			return true
		}
	}
	return false
}

func (m *Machine) knownCriterion(id string) bool {
	for _, c := range m.criteria {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Criteria returns the turn's rubric.
func (m *Machine) Criteria() []hunt.Criterion {
	return append([]hunt.Criterion(nil), m.criteria...)
}
