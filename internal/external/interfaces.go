package external

import (
	"context"
	"time"

	"seatsync/internal/types"
)

// ---------------------------------------------------------------------------
// Billing provider
// ---------------------------------------------------------------------------

// BillingProvider abstracts the seat-related subset of the billing provider
// API. Implementations translate between domain types and the vendor API and
// return AppErrors with ErrCodeUpstreamUnavailable or ErrCodeUpstreamRejected.
type BillingProvider interface {
	// GetSubscription fetches the provider's current view of a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)

	// UpdateSubscriptionQuantity sets the seat quantity of a licensed item.
	UpdateSubscriptionQuantity(ctx context.Context, subscriptionID, itemID string, quantity int, opts types.UpdateQuantityOptions) (*types.ProviderSubscription, error)

	// CreateUsageRecord reports the current seat usage of a metered item.
	CreateUsageRecord(ctx context.Context, itemID string, quantity int, at time.Time) (*types.UsageRecord, error)

	// GetCurrentUsage returns the usage summary of the current period.
	GetCurrentUsage(ctx context.Context, itemID string) (*types.UsageSummary, error)

	// ListUsageRecords returns usage summaries, most recent first.
	ListUsageRecords(ctx context.Context, itemID string) ([]types.UsageSummary, error)
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

// WebhookVerifier abstracts raw signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// WebhookSource verifies and decodes the webhooks of one provider.
type WebhookSource interface {
	// Verify returns an ErrCodeAuthSignatureInvalid AppError on failure.
	Verify(payload []byte, signatureHeader string) error

	// Decode normalizes a verified payload. Returns an
	// ErrCodeValidationInvalidPayload AppError for malformed input.
	Decode(payload []byte) (*types.ProviderEvent, error)
}

// Compile-time interface checks.
var (
	_ BillingProvider = (*StripeClient)(nil)
	_ BillingProvider = (*StubBillingProvider)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
	_ WebhookSource   = (*StripeWebhookSource)(nil)
	_ WebhookSource   = (*StubWebhookSource)(nil)
)
