package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"seatsync/internal/types"
)

// IdempotencyRepository stores responses of mutating requests keyed by the
// client-supplied Idempotency-Key header.
type IdempotencyRepository struct {
	db DBTX
}

// NewIdempotencyRepository creates a new IdempotencyRepository backed by the
// given database connection (pool or transaction).
func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns the record for key in orgID, or nil when none exists.
func (r *IdempotencyRepository) Get(ctx context.Context, key, orgID string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	var code *int
	err := r.db.QueryRow(ctx,
		`SELECT key, organization_id, path, status, response_code, response_body, created_at
		 FROM idempotency_keys
		 WHERE key = $1 AND organization_id = $2`,
		key, orgID,
	).Scan(
		&rec.Key,
		&rec.OrganizationID,
		&rec.Path,
		&rec.Status,
		&code,
		&rec.ResponseBody,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load idempotency key", err)
	}
	if code != nil {
		rec.ResponseCode = *code
	}
	return &rec, nil
}

// Create marks key as processing. A previously failed key is taken over; any
// other existing key yields ErrCodeConflictIdempotency.
func (r *IdempotencyRepository) Create(ctx context.Context, key, orgID, path string) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, organization_id, path, status, created_at)
		 VALUES ($1, $2, $3, 'processing', NOW())
		 ON CONFLICT (key, organization_id) DO UPDATE
		   SET status = 'processing', path = EXCLUDED.path,
		       response_code = NULL, response_body = NULL
		   WHERE idempotency_keys.status = 'failed'`,
		key, orgID, path,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create idempotency key", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictIdempotency, "idempotency key is already in use", nil)
	}
	return nil
}

// Complete stores the final response for replay.
func (r *IdempotencyRepository) Complete(ctx context.Context, key, orgID string, code int, body []byte) error {
	_, err := r.db.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', response_code = $3, response_body = $4
		 WHERE key = $1 AND organization_id = $2`,
		key, orgID, code, body,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete idempotency key", err)
	}
	return nil
}

// Fail releases the key so the client may retry with it.
func (r *IdempotencyRepository) Fail(ctx context.Context, key, orgID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE idempotency_keys SET status = 'failed'
		 WHERE key = $1 AND organization_id = $2`,
		key, orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release idempotency key", err)
	}
	return nil
}

// DeleteCreatedBefore removes keys older than cutoff and returns the count.
func (r *IdempotencyRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired idempotency keys", err)
	}
	return int(tag.RowsAffected()), nil
}
