package types

import "time"

// SeatChangeSource identifies which path produced a seat change.
type SeatChangeSource string

const (
	SeatChangeSourceAdmin   SeatChangeSource = "admin"
	SeatChangeSourceWebhook SeatChangeSource = "webhook"
	SeatChangeSourcePending SeatChangeSource = "pending_applier"
	SeatChangeSourceSync    SeatChangeSource = "provider_sync"
)

// SeatChangeMessage is the SQS payload published after a subscription's
// entitlement changes. Consumers (membership, notification emails) use it to
// re-check occupied seats against the new entitlement. JSON tags use
// snake_case to match the other services reading the queue.
type SeatChangeMessage struct {
	MessageID      string           `json:"message_id"`
	SubscriptionID string           `json:"subscription_id"`
	OrganizationID string           `json:"organization_id"`
	BillingType    BillingType      `json:"billing_type"`
	PreviousSeats  int              `json:"previous_seats"`
	CurrentSeats   int              `json:"current_seats"`
	PendingSeats   *int             `json:"pending_seats,omitempty"`
	Source         SeatChangeSource `json:"source"`
	Version        int64            `json:"version"`
	OccurredAt     time.Time        `json:"occurred_at"`
	TraceID        string           `json:"trace_id,omitempty"`
}
