package types

import "time"

// BillingEventType is the provider-independent kind of a webhook event.
type BillingEventType string

const (
	BillingEventSubscriptionCreated   BillingEventType = "subscription_created"
	BillingEventSubscriptionUpdated   BillingEventType = "subscription_updated"
	BillingEventSubscriptionCancelled BillingEventType = "subscription_cancelled"
	BillingEventSubscriptionExpired   BillingEventType = "subscription_expired"
	BillingEventPaymentSucceeded      BillingEventType = "payment_succeeded"
	BillingEventPaymentFailed         BillingEventType = "payment_failed"
	BillingEventUnknown               BillingEventType = "unknown"
)

// BillingEvent is one row of the webhook idempotency ledger.
// A row with ProcessedAt set is never modified again.
type BillingEvent struct {
	ID              string     `json:"id"`
	Provider        string     `json:"provider"`
	ExternalEventID string     `json:"external_event_id"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"-"`
	ReceivedAt      time.Time  `json:"received_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	Attempts        int        `json:"attempts"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ErrorDetail     *string    `json:"error_detail,omitempty"`
}

// Processed reports whether the event has been applied successfully.
func (e *BillingEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// ProviderSubscription is the provider-reported state of a subscription,
// normalized across providers.
type ProviderSubscription struct {
	ID             string
	ItemID         string
	VariantID      string
	OrganizationID string
	Status         SubscriptionStatus
	// Quantity is nil for metered (usage-based) items, which carry no
	// quantity of their own.
	Quantity     *int
	PeriodStart  time.Time
	PeriodEnd    time.Time
	UnitAmount   int64
	Currency     string
	CancelAtEnd  bool
	ProviderName string
}

// ProviderEvent is a decoded, verified webhook event.
type ProviderEvent struct {
	ID           string
	Type         BillingEventType
	ProviderType string
	OccurredAt   time.Time
	Subscription *ProviderSubscription
	Raw          []byte
}
