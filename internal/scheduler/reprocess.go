package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"seatsync/internal/billing"
	"seatsync/internal/types"
)

// DefaultReprocessBatchLimit bounds the ledger rows retried per run.
const DefaultReprocessBatchLimit = 50

// FailedEventSource lists and retries failed ledger rows. Implemented by
// billing.Ingestor.
type FailedEventSource interface {
	ListFailed(ctx context.Context, limit int) ([]*types.BillingEvent, error)
	Reprocess(ctx context.Context, provider, externalEventID string) (*billing.IngestResult, error)
}

// ReprocessResult is the outcome of retrying one ledger row.
type ReprocessResult struct {
	Provider string                `json:"provider"`
	EventID  string                `json:"event_id"`
	Outcome  billing.IngestOutcome `json:"outcome,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// ReprocessSummary aggregates one reprocessor run.
type ReprocessSummary struct {
	Processed int               `json:"processed"`
	Succeeded int               `json:"succeeded"`
	Failures  []ReprocessResult `json:"failures"`
	Results   []ReprocessResult `json:"results"`
}

// FailedEventReprocessor retries billing events whose dispatch failed or
// whose claim went stale.
type FailedEventReprocessor struct {
	source FailedEventSource
	limit  int
	logger *slog.Logger
}

// NewFailedEventReprocessor creates a FailedEventReprocessor.
func NewFailedEventReprocessor(source FailedEventSource, limit int, logger *slog.Logger) *FailedEventReprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultReprocessBatchLimit
	}
	return &FailedEventReprocessor{source: source, limit: limit, logger: logger}
}

// ReprocessFailed retries failed events one at a time, oldest first, so
// events of the same subscription keep their arrival order. A row failure is
// recorded and the run continues.
func (r *FailedEventReprocessor) ReprocessFailed(ctx context.Context) (*ReprocessSummary, error) {
	events, err := r.source.ListFailed(ctx, r.limit)
	if err != nil {
		return nil, fmt.Errorf("listing failed billing events: %w", err)
	}

	summary := &ReprocessSummary{
		Processed: len(events),
		Failures:  []ReprocessResult{},
		Results:   make([]ReprocessResult, 0, len(events)),
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			r.logger.WarnContext(ctx, "reprocessing interrupted", "remaining", len(events)-len(summary.Results))
			break
		}

		res := ReprocessResult{Provider: ev.Provider, EventID: ev.ExternalEventID}
		out, err := r.source.Reprocess(ctx, ev.Provider, ev.ExternalEventID)
		switch {
		case err != nil:
			res.Error = err.Error()
		case out.Outcome == billing.IngestFailed:
			res.Outcome = out.Outcome
			res.Error = out.Error
		default:
			res.Outcome = out.Outcome
		}

		summary.Results = append(summary.Results, res)
		if res.Error != "" {
			summary.Failures = append(summary.Failures, res)
			r.logger.ErrorContext(ctx, "billing event retry failed",
				"provider", ev.Provider,
				"event_id", ev.ExternalEventID,
				"attempts", ev.Attempts,
				"error", res.Error,
			)
			continue
		}
		summary.Succeeded++
	}

	r.logger.InfoContext(ctx, "billing event reprocessing complete",
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", len(summary.Failures),
	)
	return summary, nil
}
