// Package orchestrator coordinates batch launches: it snapshots the batch
// configuration, reserves quota, pushes the config to the execution service,
// and runs the event-stream consumer that feeds the session.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/mohammad-safakhou/breakhunt/internal/hunt"
	"github.com/mohammad-safakhou/breakhunt/internal/quota"
	"github.com/mohammad-safakhou/breakhunt/internal/session"
	"github.com/mohammad-safakhou/breakhunt/internal/stream"
)

// ExecService is the slice of the execution-service client a launch needs.
type ExecService interface {
	UpdateConfig(ctx context.Context, sessionID string, cfg hunt.BatchConfig) error
	Results(ctx context.Context, sessionID string) ([]hunt.Result, error)
	OpenStream(ctx context.Context, sessionID string, lastDeliveryID int64) (io.ReadCloser, error)
}

// Options bound launches and the stream recovery ladder.
type Options struct {
	MaxWorkers        int
	DefaultProvider   string
	DefaultJudgeModel string
	RetryBudget       int
	ReasoningFraction float64
	// LaunchTimeout bounds the quota reservation and config push; the stream
	// consumer started by a successful launch is not subject to it.
	LaunchTimeout  time.Duration
	ReconnectDelay time.Duration
	PollDelay      time.Duration
}

// Orchestrator launches batches for sessions.
type Orchestrator struct {
	ledger *quota.Ledger
	svc    ExecService
	opts   Options
	logger *log.Logger
}

// New builds an orchestrator.
func New(ledger *quota.Ledger, svc ExecService, opts Options, logger *log.Logger) (*Orchestrator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("quota ledger is required")
	}
	if svc == nil {
		return nil, fmt.Errorf("execution service client is required")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 6
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{ledger: ledger, svc: svc, opts: opts, logger: logger}, nil
}

// LaunchRequest carries the trainer's batch parameters.
type LaunchRequest struct {
	Workers    int      `json:"workers"`
	Models     []string `json:"models"`
	Provider   string   `json:"provider"`
	JudgeModel string   `json:"judge_model"`
}

// Launch runs the batch start sequence. The order is load-bearing: the
// config snapshot (including the hunt-id offset) is captured from the
// pre-reservation counters, and only then is quota reserved — reservation
// mutates the observable remaining count, and a snapshot taken afterwards
// would see the clamped worker input.
func (o *Orchestrator) Launch(ctx context.Context, sess *session.Session, req LaunchRequest) (hunt.BatchConfig, error) {
	if sess.Hunting() {
		return hunt.BatchConfig{}, fmt.Errorf("a batch is already running for session %s", sess.ID())
	}
	if o.opts.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.LaunchTimeout)
		defer cancel()
	}

	counters, err := o.ledger.Counters(ctx, sess.NotebookID())
	if err != nil {
		return hunt.BatchConfig{}, fmt.Errorf("read quota counters: %w", err)
	}
	remaining := o.ledger.PerTurnMax() - counters.Turn
	if remaining <= 0 {
		return hunt.BatchConfig{}, quota.ErrLimitReached{Requested: req.Workers, Remaining: 0}
	}

	workers := req.Workers
	if workers > o.opts.MaxWorkers {
		workers = o.opts.MaxWorkers
	}
	if workers > remaining {
		workers = remaining
	}
	models := req.Models
	if len(models) > workers {
		models = models[:workers]
	}
	provider := req.Provider
	if provider == "" {
		provider = o.opts.DefaultProvider
	}
	judge := req.JudgeModel
	if judge == "" {
		judge = o.opts.DefaultJudgeModel
	}

	// Snapshot first: Offset records the lifetime total before reservation.
	cfg, err := hunt.NewBatchConfig(workers, models, provider, judge, o.opts.RetryBudget, o.opts.ReasoningFraction, counters.Total)
	if err != nil {
		return hunt.BatchConfig{}, err
	}

	if _, err := o.ledger.Reserve(ctx, sess.NotebookID(), cfg.Workers); err != nil {
		return hunt.BatchConfig{}, err
	}

	// The config ack must land before the batch is considered in flight.
	if err := o.svc.UpdateConfig(ctx, sess.ID(), cfg); err != nil {
		return hunt.BatchConfig{}, fmt.Errorf("push batch config: %w", err)
	}

	if err := sess.BeginBatch(cfg); err != nil {
		return hunt.BatchConfig{}, err
	}

	consumer, err := stream.NewConsumer(o.svc, stream.Config{
		SessionID:      sess.ID(),
		Handler:        sess.ApplyEvent,
		Active:         sess.Hunting,
		Poll:           func(ctx context.Context) error { return o.pollResults(ctx, sess) },
		ReconnectDelay: o.opts.ReconnectDelay,
		PollDelay:      o.opts.PollDelay,
	})
	if err != nil {
		sess.EndBatch()
		return hunt.BatchConfig{}, err
	}

	// The stream outlives the launch request; it ends with the batch.
	go func() {
		if err := consumer.Run(context.Background()); err != nil {
			o.logger.Printf("stream consumer for session %s ended: %v", sess.ID(), err)
		}
		sess.EndBatch()
	}()

	return cfg, nil
}

// pollResults is the fallback recovery path: fetch the canonical list once
// and reconcile it through the accumulator.
func (o *Orchestrator) pollResults(ctx context.Context, sess *session.Session) error {
	results, err := o.svc.Results(ctx, sess.ID())
	if err != nil {
		return err
	}
	sess.MergeResults(results)
	return nil
}

// Reconcile fetches the canonical result list and merges it into the turn.
// Used at turn close and when entering the selection screen.
func (o *Orchestrator) Reconcile(ctx context.Context, sess *session.Session, replace bool) error {
	results, err := o.svc.Results(ctx, sess.ID())
	if err != nil {
		return err
	}
	if replace {
		return sess.ReplaceResults(results)
	}
	sess.MergeResults(results)
	return nil
}
