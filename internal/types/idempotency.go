package types

import "time"

// IdempotencyStatus is the lifecycle state of a stored idempotency key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is the stored outcome of a mutating request, scoped to an
// organization so keys from different tenants never collide.
type IdempotencyRecord struct {
	Key            string
	OrganizationID string
	Path           string
	Status         IdempotencyStatus
	ResponseCode   int
	ResponseBody   []byte
	CreatedAt      time.Time
}
