package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"seatsync/internal/types"
)

// BillingEventRepository is the webhook idempotency ledger. Rows are keyed by
// (provider, external_event_id). Once processed_at is set a row is final:
// every UPDATE below carries "processed_at IS NULL".
type BillingEventRepository struct {
	db    DBTX
	codec *PayloadCodec
}

// NewBillingEventRepository creates a new BillingEventRepository. Payloads are
// stored zstd-compressed.
func NewBillingEventRepository(db DBTX) *BillingEventRepository {
	return &BillingEventRepository{db: db, codec: NewPayloadCodec()}
}

const billingEventColumns = `id, provider, external_event_id, event_type, payload,
	received_at, claimed_at, attempts, processed_at, error_detail`

func (r *BillingEventRepository) scan(row pgx.Row) (*types.BillingEvent, error) {
	var ev types.BillingEvent
	var stored []byte
	err := row.Scan(
		&ev.ID,
		&ev.Provider,
		&ev.ExternalEventID,
		&ev.EventType,
		&stored,
		&ev.ReceivedAt,
		&ev.ClaimedAt,
		&ev.Attempts,
		&ev.ProcessedAt,
		&ev.ErrorDetail,
	)
	if err != nil {
		return nil, err
	}
	payload, err := r.codec.Decode(stored)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return &ev, nil
}

// GetByExternalID loads the ledger row for a provider event.
func (r *BillingEventRepository) GetByExternalID(ctx context.Context, provider, externalEventID string) (*types.BillingEvent, error) {
	ev, err := r.scan(r.db.QueryRow(ctx,
		`SELECT `+billingEventColumns+` FROM billing_events
		 WHERE provider = $1 AND external_event_id = $2`,
		provider, externalEventID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBillingEvent, "billing event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load billing event", err)
	}
	return ev, nil
}

// Insert records a newly received event as claimed by the caller. It returns
// false without error when a row for the same event already exists, in which
// case the caller must fall back to Claim.
func (r *BillingEventRepository) Insert(ctx context.Context, ev *types.BillingEvent, now time.Time) (bool, error) {
	if ev.ID == "" {
		ev.ID = "bevt_" + uuid.NewString()
	}
	now = now.UTC()

	var id string
	err := r.db.QueryRow(ctx,
		`INSERT INTO billing_events (
			id, provider, external_event_id, event_type, payload,
			received_at, claimed_at, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $6, 1)
		ON CONFLICT (provider, external_event_id) DO NOTHING
		RETURNING id`,
		ev.ID,
		ev.Provider,
		ev.ExternalEventID,
		ev.EventType,
		r.codec.Encode(ev.Payload),
		now,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert billing event", err)
	}

	ev.ReceivedAt = now
	ev.ClaimedAt = &now
	ev.Attempts = 1
	return true, nil
}

// Claim takes over an unprocessed event whose previous claim is absent or
// older than staleBefore. It returns false when the event is processed or a
// live claim is held by another worker.
func (r *BillingEventRepository) Claim(ctx context.Context, provider, externalEventID string, now, staleBefore time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET claimed_at = $3, attempts = attempts + 1
		 WHERE provider = $1 AND external_event_id = $2
		   AND processed_at IS NULL
		   AND (claimed_at IS NULL OR claimed_at < $4)`,
		provider, externalEventID, now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim billing event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed finalizes an event. Fails with ErrCodeConflictConcurrent when
// the row was already processed by someone else.
func (r *BillingEventRepository) MarkProcessed(ctx context.Context, id string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET processed_at = $2, claimed_at = NULL, error_detail = NULL
		 WHERE id = $1 AND processed_at IS NULL`,
		id, now.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark billing event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "billing event already processed", nil)
	}
	return nil
}

// MarkFailed stores the failure detail and releases the claim so the event
// can be retried by a provider redelivery or the reprocessor.
func (r *BillingEventRepository) MarkFailed(ctx context.Context, id string, detail string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE billing_events
		 SET error_detail = $2, claimed_at = NULL
		 WHERE id = $1 AND processed_at IS NULL`,
		id, detail,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark billing event failed", err)
	}
	return nil
}

// ListFailed returns unprocessed events that either recorded an error or hold
// a claim older than staleBefore, oldest first.
func (r *BillingEventRepository) ListFailed(ctx context.Context, staleBefore time.Time, limit int) ([]*types.BillingEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+billingEventColumns+` FROM billing_events
		 WHERE processed_at IS NULL
		   AND (error_detail IS NOT NULL OR claimed_at IS NULL OR claimed_at < $1)
		 ORDER BY received_at ASC
		 LIMIT $2`,
		staleBefore.UTC(), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list failed billing events", err)
	}
	defer rows.Close()

	var events []*types.BillingEvent
	for rows.Next() {
		ev, err := r.scan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing event row", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating billing event rows", err)
	}
	return events, nil
}

// DeleteProcessedBefore removes events processed before cutoff. Unprocessed
// rows are kept regardless of age.
func (r *BillingEventRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM billing_events WHERE processed_at IS NOT NULL AND processed_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete processed billing events", err)
	}
	return int(tag.RowsAffected()), nil
}
