package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"seatsync/internal/db"
	"seatsync/internal/types"
)

// DefaultApplierBatchLimit bounds the rows one applier run promotes.
const DefaultApplierBatchLimit = 200

// DefaultApplierConcurrency is the number of rows promoted in parallel.
const DefaultApplierConcurrency = 4

// PendingChangeDB lists the subscriptions whose scheduled change is due.
type PendingChangeDB interface {
	// SQL: SELECT ... FROM subscriptions WHERE pending_effective_at <= $1
	//      AND status IN (live) ORDER BY pending_effective_at LIMIT $2
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error)
}

// PendingPromoter applies one due pending change. Implemented by
// billing.SeatManager.
type PendingPromoter interface {
	PromotePending(ctx context.Context, sub *types.Subscription, now time.Time) (*types.Subscription, error)
}

// ApplierRunDB records applier executions in applier_runs.
type ApplierRunDB interface {
	Start(ctx context.Context, trigger string, now time.Time) (int64, error)
	Finish(ctx context.Context, id int64, out db.ApplierRunOutcome, now time.Time) error
}

// ApplierMetrics records per-run counters.
type ApplierMetrics interface {
	RecordPendingChanges(ctx context.Context, applied, failed int)
}

// ApplierConfig holds the Applier tunables.
type ApplierConfig struct {
	BatchLimit  int
	Concurrency int
	// Trigger is stored on the run row ("cron_http", "eventbridge", ...).
	Trigger string
}

// RowResult is the outcome of promoting one subscription's pending change.
type RowResult struct {
	SubscriptionID string `json:"subscription_id"`
	OrganizationID string `json:"organization_id"`
	PendingSeats   int    `json:"pending_seats"`
	Applied        bool   `json:"applied"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ApplySummary aggregates one applier run.
type ApplySummary struct {
	Processed int         `json:"processed"`
	Applied   int         `json:"applied"`
	Failures  []RowResult `json:"failures"`
	Results   []RowResult `json:"results"`
}

// Status maps the summary to an applier_runs status.
func (s *ApplySummary) Status() string {
	switch {
	case len(s.Failures) == 0:
		return db.ApplierRunSuccess
	case s.Applied > 0:
		return db.ApplierRunPartial
	default:
		return db.ApplierRunFailed
	}
}

// Applier promotes due pending seat changes.
type Applier struct {
	subs     PendingChangeDB
	promoter PendingPromoter
	runs     ApplierRunDB
	metrics  ApplierMetrics
	cfg      ApplierConfig
	logger   *slog.Logger
}

// NewApplier creates an Applier. runs and metrics may be nil.
func NewApplier(subs PendingChangeDB, promoter PendingPromoter, runs ApplierRunDB, metrics ApplierMetrics, cfg ApplierConfig, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultApplierBatchLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultApplierConcurrency
	}
	if cfg.Trigger == "" {
		cfg.Trigger = "manual"
	}
	return &Applier{
		subs:     subs,
		promoter: promoter,
		runs:     runs,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// ApplyDuePendingChanges promotes every pending change due at now. Only a
// failure to list due rows is returned as an error; row failures are
// reported in the summary and never stop the other rows.
func (a *Applier) ApplyDuePendingChanges(ctx context.Context, now time.Time) (*ApplySummary, error) {
	runID := a.startRun(ctx, now)

	due, err := a.subs.ListDuePending(ctx, now, a.cfg.BatchLimit)
	if err != nil {
		a.finishRun(ctx, runID, db.ApplierRunOutcome{Status: db.ApplierRunFailed, Err: err}, now)
		return nil, fmt.Errorf("listing due pending changes: %w", err)
	}

	summary := &ApplySummary{
		Processed: len(due),
		Failures:  []RowResult{},
		Results:   make([]RowResult, len(due)),
	}
	if len(due) == 0 {
		a.logger.InfoContext(ctx, "no pending seat changes due")
		a.finishRun(ctx, runID, db.ApplierRunOutcome{Status: db.ApplierRunSuccess}, now)
		return summary, nil
	}

	a.logger.InfoContext(ctx, "applying pending seat changes",
		"count", len(due),
		"now", now.Format(time.RFC3339),
	)

	// Each goroutine owns Results[i], so no lock is needed.
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, sub := range due {
		i, sub := i, sub
		g.Go(func() error {
			summary.Results[i] = a.applyOne(gCtx, sub, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range summary.Results {
		if r.Applied {
			summary.Applied++
		} else {
			summary.Failures = append(summary.Failures, r)
		}
	}

	if a.metrics != nil {
		a.metrics.RecordPendingChanges(ctx, summary.Applied, len(summary.Failures))
	}
	a.finishRun(ctx, runID, db.ApplierRunOutcome{
		Status:    summary.Status(),
		Processed: summary.Processed,
		Applied:   summary.Applied,
		Failed:    len(summary.Failures),
	}, now)

	a.logger.InfoContext(ctx, "pending seat changes applied",
		"processed", summary.Processed,
		"applied", summary.Applied,
		"failed", len(summary.Failures),
	)
	return summary, nil
}

func (a *Applier) applyOne(ctx context.Context, sub *types.Subscription, now time.Time) RowResult {
	res := RowResult{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
	}
	if sub.PendingSeats != nil {
		res.PendingSeats = *sub.PendingSeats
	}

	if _, err := a.promoter.PromotePending(ctx, sub, now); err != nil {
		code := types.CodeOf(err)
		if code == "" {
			code = types.ErrCodeInternalUnexpected
		}
		res.Code = string(code)
		res.Error = err.Error()
		a.logger.ErrorContext(ctx, "failed to apply pending seat change",
			"subscription_id", sub.ID,
			"org_id", sub.OrganizationID,
			"error", err,
		)
		return res
	}
	res.Applied = true
	return res
}

func (a *Applier) startRun(ctx context.Context, now time.Time) int64 {
	if a.runs == nil {
		return 0
	}
	id, err := a.runs.Start(ctx, a.cfg.Trigger, now)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to record applier run start", "error", err)
		return 0
	}
	return id
}

func (a *Applier) finishRun(ctx context.Context, id int64, out db.ApplierRunOutcome, now time.Time) {
	if a.runs == nil || id == 0 {
		return
	}
	if err := a.runs.Finish(ctx, id, out, now); err != nil {
		a.logger.WarnContext(ctx, "failed to record applier run outcome",
			"run_id", id,
			"error", err,
		)
	}
}
