package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retention windows for ledger housekeeping. Billing events are kept
// well past the provider's redelivery window so late duplicates are still
// detected.
const (
	DefaultIdempotencyRetention  = 24 * time.Hour
	DefaultBillingEventRetention = 90 * 24 * time.Hour
)

// CleanupDB defines the deletions needed by the CleanupService.
type CleanupDB interface {
	// SQL: DELETE FROM idempotency_keys WHERE created_at < $1
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ProcessedEventDB deletes finalized ledger rows.
type ProcessedEventDB interface {
	// SQL: DELETE FROM billing_events WHERE processed_at < $1
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupService removes expired idempotency keys and old processed billing
// events.
type CleanupService struct {
	keys   CleanupDB
	events ProcessedEventDB
	logger *slog.Logger
}

// NewCleanupService creates a new CleanupService.
func NewCleanupService(keys CleanupDB, events ProcessedEventDB, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		keys:   keys,
		events: events,
		logger: logger,
	}
}

// PurgeExpiredIdempotencyKeys deletes idempotency keys created more than
// retention before now. Returns the count of deleted rows.
func (c *CleanupService) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	count, err := c.keys.DeleteCreatedBefore(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("deleting expired idempotency keys: %w", err)
	}

	if count > 0 {
		c.logger.InfoContext(ctx, "purged expired idempotency keys",
			"count", count,
		)
	}

	return count, nil
}

// PurgeProcessedBillingEvents deletes ledger rows processed more than
// retention before now. Unprocessed rows are never deleted.
func (c *CleanupService) PurgeProcessedBillingEvents(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)

	count, err := c.events.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting processed billing events: %w", err)
	}

	c.logger.InfoContext(ctx, "processed billing event purge complete",
		"deleted", count,
		"cutoff", cutoff.Format(time.RFC3339),
	)

	return count, nil
}
