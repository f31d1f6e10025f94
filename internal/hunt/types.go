// Package hunt models one remote model-generation-plus-judging attempt and the
// per-turn bookkeeping around it: immutable batch configuration, per-hunt
// results, aggregate progress, and the row-stable response accumulator.
package hunt

import (
	"github.com/mohammad-safakhou/breakhunt/internal/stream"
)

// Status is the lifecycle state of a single hunt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Verdict is a judge's per-criterion call.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Criterion is one grading rubric entry, immutable for the turn.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Result is the state of one hunt. Created on hunt_start, mutated in place by
// later events for the same hunt id, never deleted within a turn.
type Result struct {
	HuntID         int                `json:"hunt_id"`
	Model          string             `json:"model"`
	Status         Status             `json:"status"`
	Score          *int               `json:"score,omitempty"`
	Breaking       bool               `json:"is_breaking"`
	Verdicts       map[string]Verdict `json:"judge_criteria,omitempty"`
	Explanation    string             `json:"judge_explanation,omitempty"`
	Response       string             `json:"response,omitempty"`
	ReasoningTrace string             `json:"reasoning_trace,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// ResultFromEvent builds the initial Result for a hunt_start event.
func ResultFromEvent(ev stream.Event) Result {
	return Result{
		HuntID: ev.HuntID,
		Model:  ev.Model,
		Status: StatusRunning,
	}
}

// ApplyResultEvent folds a terminal hunt_result event into r.
func (r *Result) ApplyResultEvent(ev stream.Event) {
	if ev.Error != "" || ev.Status == string(StatusFailed) {
		r.Status = StatusFailed
	} else {
		r.Status = StatusCompleted
	}
	if ev.Score != nil {
		score := *ev.Score
		r.Score = &score
	}
	r.Breaking = r.Score != nil && *r.Score == 0
	if ev.Model != "" {
		r.Model = ev.Model
	}
	r.Response = ev.Response
	r.Explanation = ev.JudgeExplanation
	r.ReasoningTrace = ev.ReasoningTrace
	r.Error = ev.Error
	if len(ev.JudgeCriteria) > 0 {
		r.Verdicts = make(map[string]Verdict, len(ev.JudgeCriteria))
		for id, v := range ev.JudgeCriteria {
			r.Verdicts[id] = Verdict(v)
		}
	}
}
