package hunt

// Row pairs a result with its stable row number. Row numbers are assigned
// sequentially on insert and never change afterwards: review identity is
// keyed by row number, which survives the hunt-id collision edge cases that
// merge recovery can produce.
type Row struct {
	Number int    `json:"row"`
	Result Result `json:"result"`
}

// Accumulator reconciles streamed and polled results into one ordered
// per-turn collection, merging duplicates by hunt id.
type Accumulator struct {
	rows      []Row
	indexByID map[int]int      // hunt id -> index into rows
	prevTurns map[int]struct{} // hunt ids frozen at turn advance
	nextRow   int
}

// NewAccumulator returns an empty accumulator for a fresh turn.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		indexByID: make(map[int]int),
		prevTurns: make(map[int]struct{}),
		nextRow:   1,
	}
}

// Upsert merges one result. An existing row for the same hunt id is updated
// in place, keeping its row number; a new hunt id is appended with the next
// sequential row number. Results belonging to a previous turn are discarded.
func (a *Accumulator) Upsert(r Result) (Row, bool) {
	if _, stale := a.prevTurns[r.HuntID]; stale {
		return Row{}, false
	}
	if idx, ok := a.indexByID[r.HuntID]; ok {
		a.rows[idx].Result = r
		return a.rows[idx], true
	}
	row := Row{Number: a.nextRow, Result: r}
	a.nextRow++
	a.indexByID[r.HuntID] = len(a.rows)
	a.rows = append(a.rows, row)
	return row, true
}

// Merge reconciles a canonical result list into the working set
// incrementally, preserving previously assigned row numbers.
func (a *Accumulator) Merge(results []Result) {
	for _, r := range results {
		a.Upsert(r)
	}
}

// Replace discards the working set and installs results with row numbers
// assigned by array position. Safe only before selection has started, since
// any existing row-keyed state would be orphaned.
func (a *Accumulator) Replace(results []Result) {
	a.rows = a.rows[:0]
	a.indexByID = make(map[int]int, len(results))
	a.nextRow = 1
	for _, r := range results {
		if _, stale := a.prevTurns[r.HuntID]; stale {
			continue
		}
		if _, dup := a.indexByID[r.HuntID]; dup {
			continue
		}
		a.indexByID[r.HuntID] = len(a.rows)
		a.rows = append(a.rows, Row{Number: a.nextRow, Result: r})
		a.nextRow++
	}
}

// Get returns the row for a hunt id. The lookup may legitimately miss when a
// hunt_result arrives for an id whose hunt_start was skipped by reconnection.
func (a *Accumulator) Get(huntID int) (Row, bool) {
	idx, ok := a.indexByID[huntID]
	if !ok {
		return Row{}, false
	}
	return a.rows[idx], true
}

// ByRow returns the row with the given stable row number.
func (a *Accumulator) ByRow(number int) (Row, bool) {
	for _, row := range a.rows {
		if row.Number == number {
			return row, true
		}
	}
	return Row{}, false
}

// Rows returns the ordered working set.
func (a *Accumulator) Rows() []Row {
	out := make([]Row, len(a.rows))
	copy(out, a.rows)
	return out
}

// Len reports the number of accumulated rows.
func (a *Accumulator) Len() int { return len(a.rows) }

// FreezeTurn marks every current hunt id as belonging to a closed turn and
// clears the working set. Later deliveries for those ids are dropped.
func (a *Accumulator) FreezeTurn() {
	for id := range a.indexByID {
		a.prevTurns[id] = struct{}{}
	}
	a.rows = nil
	a.indexByID = make(map[int]int)
	a.nextRow = 1
}
