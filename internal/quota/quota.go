// Package quota tracks hunts issued per notebook, both for the lifetime of the
// notebook and for the current turn. The turn counter resets at turn advance;
// the lifetime counter never resets and feeds hunt-id offsets.
package quota

import (
	"context"
	"fmt"
)

// Counters is the durable snapshot for one notebook.
type Counters struct {
	Total int // lifetime hunts issued, never reset
	Turn  int // hunts issued in the current turn
}

// Store persists per-notebook counters. Implementations must keep
// increments atomic per notebook; cross-process callers racing on the same
// notebook id are tolerated but not coordinated beyond that.
type Store interface {
	Counters(ctx context.Context, notebookID string) (Counters, error)
	Add(ctx context.Context, notebookID string, n int) (Counters, error)
	ResetTurn(ctx context.Context, notebookID string) error
}

// Ledger gates batch launches against the per-turn hunt quota.
type Ledger struct {
	store      Store
	perTurnMax int
}

// NewLedger builds a ledger over the given store with a fixed per-turn maximum.
func NewLedger(store Store, perTurnMax int) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if perTurnMax <= 0 {
		return nil, fmt.Errorf("per-turn max must be greater than zero")
	}
	return &Ledger{store: store, perTurnMax: perTurnMax}, nil
}

// PerTurnMax returns the configured per-turn ceiling.
func (l *Ledger) PerTurnMax() int { return l.perTurnMax }

// Counters returns the current counters for a notebook.
func (l *Ledger) Counters(ctx context.Context, notebookID string) (Counters, error) {
	return l.store.Counters(ctx, notebookID)
}

// Remaining reports how many hunts may still be issued this turn.
func (l *Ledger) Remaining(ctx context.Context, notebookID string) (int, error) {
	c, err := l.store.Counters(ctx, notebookID)
	if err != nil {
		return 0, err
	}
	remaining := l.perTurnMax - c.Turn
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reserve consumes quota for a batch of n hunts and returns the new lifetime
// total. Callers must capture the batch config (including the hunt-id offset)
// before calling Reserve: reservation mutates the observable remaining count,
// and the offset must reflect the pre-reservation total.
func (l *Ledger) Reserve(ctx context.Context, notebookID string, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reservation count must be greater than zero")
	}
	c, err := l.store.Counters(ctx, notebookID)
	if err != nil {
		return 0, err
	}
	remaining := l.perTurnMax - c.Turn
	if remaining < 0 {
		remaining = 0
	}
	if n > remaining {
		return 0, ErrLimitReached{Requested: n, Remaining: remaining}
	}
	updated, err := l.store.Add(ctx, notebookID, n)
	if err != nil {
		return 0, err
	}
	return updated.Total, nil
}

// AdvanceTurn resets the turn counter; the lifetime total is untouched.
func (l *Ledger) AdvanceTurn(ctx context.Context, notebookID string) error {
	return l.store.ResetTurn(ctx, notebookID)
}
