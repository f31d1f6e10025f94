package review

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Guard failures are computed results consumed by callers to produce a user
// message; they always carry the specific counts that caused the rejection
// and are never retried automatically.

// ErrRevealed blocks every mutation after judge output has been revealed.
var ErrRevealed = errors.New("reviews are frozen: judge output has been revealed")

// ErrSelectionLocked blocks add/remove after the selection is confirmed.
var ErrSelectionLocked = errors.New("selection is confirmed and locked")

// ErrNotConfirmed blocks grading before the selection is confirmed.
var ErrNotConfirmed = errors.New("selection is not confirmed yet")

// SelectionSizeError reports a selection with the wrong number of entries.
type SelectionSizeError struct {
	Selected int
	Required int
}

func (e SelectionSizeError) Error() string {
	if e.Selected < e.Required {
		return fmt.Sprintf("select %d more result(s): %d of %d selected", e.Required-e.Selected, e.Selected, e.Required)
	}
	return fmt.Sprintf("at most %d results may be selected", e.Required)
}

// CompositionError reports a selection mix that violates the combination rule
// (all breaking, or exactly one passing alongside the rest breaking).
type CompositionError struct {
	Breaking int
	Passing  int
}

func (e CompositionError) Error() string {
	return fmt.Sprintf("invalid selection mix: %d breaking, %d passing", e.Breaking, e.Passing)
}

// Tally counts judge verdicts for one criterion across the selection.
type Tally struct {
	Pass int
	Fail int
}

// DiversityError reports that no criterion shows both a PASS and a FAIL
// across the selected judge verdicts.
type DiversityError struct {
	Tallies map[string]Tally
}

func (e DiversityError) Error() string {
	ids := make([]string, 0, len(e.Tallies))
	for id := range e.Tallies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		t := e.Tallies[id]
		parts = append(parts, fmt.Sprintf("%s %d/%d", id, t.Pass, t.Fail))
	}
	return "no criterion has both a PASS and a FAIL across the selection (pass/fail per criterion: " + strings.Join(parts, ", ") + ")"
}

// UngradedError reports criteria still missing a grade on one review.
type UngradedError struct {
	Row     int
	Missing []string
}

func (e UngradedError) Error() string {
	return fmt.Sprintf("row %d: criteria not graded yet: %s", e.Row, strings.Join(e.Missing, ", "))
}

// ExplanationTooShortError reports an explanation under the word minimum.
type ExplanationTooShortError struct {
	Row      int
	Words    int
	MinWords int
}

func (e ExplanationTooShortError) Error() string {
	return fmt.Sprintf("row %d: explanation has %d words, minimum is %d", e.Row, e.Words, e.MinWords)
}

// UnsubmittedError reports selected rows whose reviews are not submitted.
type UnsubmittedError struct {
	Rows []int
}

func (e UnsubmittedError) Error() string {
	parts := make([]string, len(e.Rows))
	for i, r := range e.Rows {
		parts[i] = fmt.Sprintf("row %d", r)
	}
	return "reviews not submitted: " + strings.Join(parts, ", ")
}

// UnknownRowError reports an operation against a row that does not exist in
// the turn's accumulated results.
type UnknownRowError struct {
	Row int
}

func (e UnknownRowError) Error() string {
	return fmt.Sprintf("row %d does not exist", e.Row)
}

// NotSelectedError reports a grading operation on an unselected row.
type NotSelectedError struct {
	Row int
}

func (e NotSelectedError) Error() string {
	return fmt.Sprintf("row %d is not part of the confirmed selection", e.Row)
}
