package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"seatsync/internal/types"
)

// APIKeyRepository provides data access for the api_keys table. Keys are
// stored as bcrypt hashes; only the short prefix is kept in clear.
type APIKeyRepository struct {
	db DBTX
}

// NewAPIKeyRepository creates a new APIKeyRepository backed by the given
// database connection (pool or transaction).
func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, organization_id, key_hash, key_prefix, name, test_mode,
	last_used_at, expires_at, revoked_at, created_at`

// ListActiveByPrefix returns the unrevoked, unexpired keys sharing prefix.
// Prefixes are not unique, so the caller compares the hash of each candidate.
func (r *APIKeyRepository) ListActiveByPrefix(ctx context.Context, prefix string, now time.Time) ([]*types.APIKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > $2)`,
		prefix, now.UTC(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up API keys", err)
	}
	defer rows.Close()

	var keys []*types.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan API key row", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating API key rows", err)
	}
	return keys, nil
}

// TouchLastUsed updates the last_used_at timestamp for an API key.
// Callers treat failures as non-fatal.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`,
		id, now.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update API key last_used_at", err)
	}
	return nil
}

// Create inserts a newly issued key. Only the hash and prefix are stored.
func (r *APIKeyRepository) Create(ctx context.Context, key *types.APIKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, organization_id, key_hash, key_prefix, name, test_mode, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OrganizationID, key.KeyHash, key.KeyPrefix, key.Name, key.TestMode, key.ExpiresAt, key.CreatedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create API key", err)
	}
	return nil
}

// Revoke marks a key revoked. Revoking an unknown or already revoked key
// returns ErrCodeNotFoundAPIKey.
func (r *APIKeyRepository) Revoke(ctx context.Context, id string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, now.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke API key", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found or already revoked", nil)
	}
	return nil
}

// scanAPIKey scans one row. Column order must match apiKeyColumns.
func scanAPIKey(row pgx.Row) (*types.APIKey, error) {
	var key types.APIKey
	err := row.Scan(
		&key.ID,
		&key.OrganizationID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.Name,
		&key.TestMode,
		&key.LastUsedAt,
		&key.ExpiresAt,
		&key.RevokedAt,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &key, nil
}
