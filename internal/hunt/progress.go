package hunt

import (
	"math"

	"github.com/mohammad-safakhou/breakhunt/internal/stream"
)

// Aggregate is the batch-level progress view derived from the event stream.
type Aggregate struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Breaking  int `json:"breaks"`
}

// Percent reports completion as a rounded percentage, 0 when Total is 0.
func (a Aggregate) Percent() int {
	if a.Total == 0 {
		return 0
	}
	return int(math.Round(float64(a.Completed) / float64(a.Total) * 100))
}

// Reduce folds one event into the aggregate. It is pure and commutative over
// distinct hunt ids: the server may interleave or replay per-hunt events in
// any order, deduplication having already happened upstream.
func Reduce(agg Aggregate, ev stream.Event) Aggregate {
	switch ev.Type {
	case stream.TypeStart:
		if ev.Total > 0 {
			agg.Total = ev.Total
		}
	case stream.TypeHuntResult:
		agg.Completed++
		// Score 0 is the breaking outcome this tool hunts for. Any other
		// value, including unknown, leaves the count alone.
		if ev.Score != nil && *ev.Score == 0 {
			agg.Breaking++
		}
	}
	return agg
}
