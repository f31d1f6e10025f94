package quota

import "fmt"

// ErrLimitReached is returned when a reservation would exceed the per-turn quota.
// The reservation leaves the counters untouched.
type ErrLimitReached struct {
	Requested int
	Remaining int
}

func (e ErrLimitReached) Error() string {
	return fmt.Sprintf("hunt limit reached: requested %d, %d remaining this turn", e.Requested, e.Remaining)
}
