package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/quota"
	"github.com/mohammad-safakhou/breakhunt/internal/review"
	"github.com/mohammad-safakhou/breakhunt/internal/session"
)

type stubExec struct {
	ledger *quota.Ledger

	gotConfig     *hunt.BatchConfig
	turnAtConfig  int
	configErr     error
	configHangs   bool
	streamBody    string
	results       []hunt.Result
	resultsCalled int
}

func (s *stubExec) UpdateConfig(ctx context.Context, sessionID string, cfg hunt.BatchConfig) error {
	if s.configHangs {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.configErr != nil {
		return s.configErr
	}
	c := cfg
	s.gotConfig = &c
	if s.ledger != nil {
		counters, err := s.ledger.Counters(ctx, "nb-1")
		if err != nil {
			return err
		}
		s.turnAtConfig = counters.Turn
	}
	return nil
}

func (s *stubExec) Results(ctx context.Context, sessionID string) ([]hunt.Result, error) {
	s.resultsCalled++
	return s.results, nil
}

func (s *stubExec) OpenStream(ctx context.Context, sessionID string, lastDeliveryID int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.streamBody)), nil
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New("nb-1", []hunt.Criterion{{ID: "C1", Description: "stays in persona"}},
		review.Config{SelectionSize: 4, MinExplanationWords: 10})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

// completeFrame ends the batch so the consumer goroutine exits promptly.
const completeFrame = "id: 1\nevent: complete\ndata: {}\n\n"

func waitNotHunting(t *testing.T, s *session.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !s.Hunting() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch never completed")
}

func TestLaunchSnapshotsBeforeReserving(t *testing.T) {
	store := quota.NewInMemoryStore()
	if _, err := store.Add(context.Background(), "nb-1", 2); err != nil {
		t.Fatalf("seed counters: %v", err)
	}
	ledger, err := quota.NewLedger(store, 6)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	svc := &stubExec{ledger: ledger, streamBody: completeFrame}
	orch, err := New(ledger, svc, Options{MaxWorkers: 6, DefaultProvider: "anthropic", DefaultJudgeModel: "judge-1"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := newTestSession(t)

	// 2 of 6 used: a request for 6 must be clamped to the remaining 4.
	cfg, err := orch.Launch(context.Background(), sess, LaunchRequest{Workers: 6, Models: []string{"a", "b", "c", "d", "e", "f"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("expected clamp to 4 workers, got %d", cfg.Workers)
	}
	if len(cfg.Models) != 4 {
		t.Fatalf("model list must be truncated with the worker count, got %d", len(cfg.Models))
	}
	// The offset is the pre-reservation lifetime total.
	if cfg.Offset != 2 {
		t.Fatalf("offset must snapshot the total before reservation, got %d", cfg.Offset)
	}
	if svc.gotConfig == nil || svc.gotConfig.Offset != 2 {
		t.Fatalf("config push must carry the snapshot, got %+v", svc.gotConfig)
	}
	// By the time the config is pushed, the reservation has landed.
	if svc.turnAtConfig != 6 {
		t.Fatalf("expected reservation before config push, turn counter was %d", svc.turnAtConfig)
	}
	waitNotHunting(t, sess)
}

func TestLaunchRefusedWhenQuotaExhausted(t *testing.T) {
	store := quota.NewInMemoryStore()
	if _, err := store.Add(context.Background(), "nb-1", 6); err != nil {
		t.Fatalf("seed counters: %v", err)
	}
	ledger, _ := quota.NewLedger(store, 6)
	svc := &stubExec{}
	orch, _ := New(ledger, svc, Options{MaxWorkers: 6}, nil)
	sess := newTestSession(t)

	_, err := orch.Launch(context.Background(), sess, LaunchRequest{Workers: 1})
	var limit quota.ErrLimitReached
	if !errors.As(err, &limit) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if svc.gotConfig != nil {
		t.Fatalf("no config may be pushed for a refused launch")
	}
	if sess.Hunting() {
		t.Fatalf("refused launch must not mark the session hunting")
	}
}

func TestLaunchConfigPushFailureAbortsBatch(t *testing.T) {
	store := quota.NewInMemoryStore()
	ledger, _ := quota.NewLedger(store, 6)
	svc := &stubExec{configErr: errors.New("service unavailable")}
	orch, _ := New(ledger, svc, Options{MaxWorkers: 6, DefaultProvider: "anthropic", DefaultJudgeModel: "judge-1"}, nil)
	sess := newTestSession(t)

	if _, err := orch.Launch(context.Background(), sess, LaunchRequest{Workers: 2, Models: []string{"a", "b"}}); err == nil {
		t.Fatalf("expected launch to fail when the config push fails")
	}
	if sess.Hunting() {
		t.Fatalf("failed config push must not leave the session hunting")
	}
}

func TestLaunchTimeoutBoundsConfigPush(t *testing.T) {
	store := quota.NewInMemoryStore()
	ledger, _ := quota.NewLedger(store, 6)
	svc := &stubExec{configHangs: true}
	orch, _ := New(ledger, svc, Options{
		MaxWorkers:        6,
		DefaultProvider:   "anthropic",
		DefaultJudgeModel: "judge-1",
		LaunchTimeout:     20 * time.Millisecond,
	}, nil)
	sess := newTestSession(t)

	_, err := orch.Launch(context.Background(), sess, LaunchRequest{Workers: 1, Models: []string{"a"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded from a hung config push, got %v", err)
	}
	if sess.Hunting() {
		t.Fatalf("timed-out launch must not leave the session hunting")
	}
}

func TestLaunchRejectedWhileHunting(t *testing.T) {
	store := quota.NewInMemoryStore()
	ledger, _ := quota.NewLedger(store, 6)
	// No complete frame: the first batch stays in flight until EndBatch.
	svc := &stubExec{streamBody: ""}
	orch, _ := New(ledger, svc, Options{
		MaxWorkers:        6,
		DefaultProvider:   "anthropic",
		DefaultJudgeModel: "judge-1",
		ReconnectDelay:    time.Hour,
		PollDelay:         time.Hour,
	}, nil)
	sess := newTestSession(t)

	if _, err := orch.Launch(context.Background(), sess, LaunchRequest{Workers: 1, Models: []string{"a"}}); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, err := orch.Launch(context.Background(), sess, LaunchRequest{Workers: 1, Models: []string{"a"}}); err == nil {
		t.Fatalf("expected concurrent launch to be refused")
	}
	sess.EndBatch()
}

func TestReconcileMergesResults(t *testing.T) {
	store := quota.NewInMemoryStore()
	ledger, _ := quota.NewLedger(store, 6)
	score := 0
	svc := &stubExec{results: []hunt.Result{
		{HuntID: 1, Status: hunt.StatusCompleted, Score: &score, Breaking: true},
		{HuntID: 2, Status: hunt.StatusFailed, Error: "provider timeout"},
	}}
	orch, _ := New(ledger, svc, Options{MaxWorkers: 6}, nil)
	sess := newTestSession(t)

	if err := orch.Reconcile(context.Background(), sess, false); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if svc.resultsCalled != 1 {
		t.Fatalf("expected one results fetch, got %d", svc.resultsCalled)
	}
	rows := sess.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].Result.Breaking {
		t.Fatalf("merged result must keep its breaking flag")
	}
}
