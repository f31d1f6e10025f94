package quota

import (
	"context"
	"errors"
	"testing"
)

func TestReserveWithinQuota(t *testing.T) {
	ledger, err := NewLedger(NewInMemoryStore(), 6)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ctx := context.Background()

	total, err := ledger.Reserve(ctx, "nb-1", 4)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}
	remaining, err := ledger.Remaining(ctx, "nb-1")
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}
}

func TestReserveRefusedLeavesCountersUnchanged(t *testing.T) {
	ledger, _ := NewLedger(NewInMemoryStore(), 6)
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, "nb-1", 4); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := ledger.Reserve(ctx, "nb-1", 3)
	var limit ErrLimitReached
	if !errors.As(err, &limit) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if limit.Requested != 3 || limit.Remaining != 2 {
		t.Fatalf("expected requested=3 remaining=2, got %+v", limit)
	}
	remaining, _ := ledger.Remaining(ctx, "nb-1")
	if remaining != 2 {
		t.Fatalf("refused reservation mutated counters: remaining=%d", remaining)
	}
}

func TestQuotaInvariantAcrossSequences(t *testing.T) {
	ledger, _ := NewLedger(NewInMemoryStore(), 6)
	ctx := context.Background()

	issued := 0
	for _, n := range []int{2, 2, 1, 3, 1, 5} {
		if _, err := ledger.Reserve(ctx, "nb-1", n); err == nil {
			issued += n
		}
	}
	if issued > 6 {
		t.Fatalf("per-turn quota exceeded: issued %d", issued)
	}
	c, _ := ledger.Counters(ctx, "nb-1")
	if c.Turn != issued {
		t.Fatalf("turn counter %d does not match issued %d", c.Turn, issued)
	}
}

func TestAdvanceTurnResetsOnlyTurnCounter(t *testing.T) {
	ledger, _ := NewLedger(NewInMemoryStore(), 6)
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, "nb-1", 6); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := ledger.AdvanceTurn(ctx, "nb-1"); err != nil {
		t.Fatalf("AdvanceTurn: %v", err)
	}
	c, _ := ledger.Counters(ctx, "nb-1")
	if c.Turn != 0 {
		t.Fatalf("expected turn counter reset, got %d", c.Turn)
	}
	if c.Total != 6 {
		t.Fatalf("lifetime total must survive turn advance, got %d", c.Total)
	}
	total, err := ledger.Reserve(ctx, "nb-1", 2)
	if err != nil {
		t.Fatalf("Reserve after advance: %v", err)
	}
	if total != 8 {
		t.Fatalf("expected lifetime total 8, got %d", total)
	}
}

func TestReserveRejectsNonPositive(t *testing.T) {
	ledger, _ := NewLedger(NewInMemoryStore(), 6)
	if _, err := ledger.Reserve(context.Background(), "nb-1", 0); err == nil {
		t.Fatalf("expected error for zero reservation")
	}
}
