package core

import (
	"context"
	"time"

	"seatsync/internal/types"
)

// Authenticator decouples the HTTP layer from the API key store, allowing for
// easy mocking in tests.
type Authenticator interface {
	// ResolveToken returns the Actor owning token.
	//
	// Distinct Error Codes:
	// - Return ErrCodeAuthTokenInvalid if the token is malformed, unknown or revoked.
	// - Return ErrCodeAuthTokenExpired if the token exists but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// IdempotencyStore persists responses of mutating requests keyed by the
// Idempotency-Key header. Implemented by db.IdempotencyRepository.
type IdempotencyStore interface {
	// Get returns nil, nil when the key has never been seen.
	Get(ctx context.Context, key, orgID string) (*types.IdempotencyRecord, error)
	Create(ctx context.Context, key, orgID, path string) error
	Complete(ctx context.Context, key, orgID string, code int, body []byte) error
	Fail(ctx context.Context, key, orgID string) error
}

// MetricsCollector defines the interface for recording API telemetry.
// Implemented by metrics.CloudWatchRecorder.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}
