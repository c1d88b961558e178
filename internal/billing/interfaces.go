// Package billing owns seat changes: proration, variant classification, the
// Seat Manager and the webhook Ingestor that reconciles the store to the
// provider's view.
package billing

import (
	"context"
	"time"

	"seatsync/internal/external"
	"seatsync/internal/types"
)

// ProviderClient is the billing provider as seen by this package.
type ProviderClient = external.BillingProvider

// EventSource verifies and decodes one provider's webhooks.
type EventSource = external.WebhookSource

// SubscriptionStore persists subscriptions with version compare-and-swap.
// Implemented by db.SubscriptionRepository.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*types.Subscription, error)
	GetLiveByOrganization(ctx context.Context, orgID string) (*types.Subscription, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (*types.Subscription, error)
	Create(ctx context.Context, sub *types.Subscription, now time.Time) error
	// CompareAndSwap fails with ErrCodeConflictConcurrent when the stored
	// version no longer equals expectedVersion.
	CompareAndSwap(ctx context.Context, sub *types.Subscription, expectedVersion int64, now time.Time) error
}

// BillingEventStore is the webhook idempotency ledger.
// Implemented by db.BillingEventRepository.
type BillingEventStore interface {
	GetByExternalID(ctx context.Context, provider, externalEventID string) (*types.BillingEvent, error)
	Insert(ctx context.Context, ev *types.BillingEvent, now time.Time) (bool, error)
	Claim(ctx context.Context, provider, externalEventID string, now, staleBefore time.Time) (bool, error)
	MarkProcessed(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id string, detail string) error
	ListFailed(ctx context.Context, staleBefore time.Time, limit int) ([]*types.BillingEvent, error)
}

// SeatEventPublisher announces entitlement changes to downstream consumers.
// Publishing is best effort; failures are logged by the caller.
type SeatEventPublisher interface {
	PublishSeatChange(ctx context.Context, msg types.SeatChangeMessage) error
}

// Metrics abstracts metric emission for seat changes and webhooks.
type Metrics interface {
	RecordSeatChange(ctx context.Context, billingType types.BillingType, outcome string)
	RecordWebhookOutcome(ctx context.Context, provider string, eventType types.BillingEventType, outcome string)
	RecordPaymentFailed(ctx context.Context, provider string)
	RecordLegacyClassification(ctx context.Context, variantID string)
}

// Seat change metric outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
)

type nopMetrics struct{}

func (nopMetrics) RecordSeatChange(context.Context, types.BillingType, string) {}
func (nopMetrics) RecordWebhookOutcome(context.Context, string, types.BillingEventType, string) {}
func (nopMetrics) RecordPaymentFailed(context.Context, string) {}
func (nopMetrics) RecordLegacyClassification(context.Context, string) {}

type nopPublisher struct{}

func (nopPublisher) PublishSeatChange(context.Context, types.SeatChangeMessage) error { return nil }
