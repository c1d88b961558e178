package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"seatsync/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stubs allow the API to boot locally without provider credentials. They log
// every call and keep just enough in-memory state for seat changes to be
// observable.
// ---------------------------------------------------------------------------

// StubBillingProvider implements BillingProvider in memory. Subscriptions are
// created on first use with a one-year period.
type StubBillingProvider struct {
	logger *slog.Logger

	mu    sync.Mutex
	subs  map[string]*types.ProviderSubscription
	usage map[string][]types.UsageSummary
}

// NewStubBillingProvider creates a new StubBillingProvider.
func NewStubBillingProvider(logger *slog.Logger) *StubBillingProvider {
	return &StubBillingProvider{
		logger: logger,
		subs:   make(map[string]*types.ProviderSubscription),
		usage:  make(map[string][]types.UsageSummary),
	}
}

func (s *StubBillingProvider) subscription(id string) *types.ProviderSubscription {
	sub, ok := s.subs[id]
	if !ok {
		start := time.Now().UTC().Truncate(24 * time.Hour)
		one := 1
		sub = &types.ProviderSubscription{
			ID:           id,
			ItemID:       "si_stub_" + id,
			Status:       types.SubscriptionStatusActive,
			Quantity:     &one,
			PeriodStart:  start,
			PeriodEnd:    start.AddDate(1, 0, 0),
			ProviderName: ProviderStripe,
		}
		s.subs[id] = sub
	}
	return sub
}

func (s *StubBillingProvider) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	s.logger.InfoContext(ctx, "stub: GetSubscription called", "subscription_id", subscriptionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.subscription(subscriptionID)
	return &c, nil
}

func (s *StubBillingProvider) UpdateSubscriptionQuantity(ctx context.Context, subscriptionID, itemID string, quantity int, opts types.UpdateQuantityOptions) (*types.ProviderSubscription, error) {
	s.logger.InfoContext(ctx, "stub: UpdateSubscriptionQuantity called",
		"subscription_id", subscriptionID,
		"item_id", itemID,
		"quantity", quantity,
		"proration_behavior", string(opts.Behavior()),
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subscription(subscriptionID)
	q := quantity
	sub.Quantity = &q
	c := *sub
	return &c, nil
}

func (s *StubBillingProvider) CreateUsageRecord(ctx context.Context, itemID string, quantity int, at time.Time) (*types.UsageRecord, error) {
	s.logger.InfoContext(ctx, "stub: CreateUsageRecord called", "item_id", itemID, "quantity", quantity)
	s.mu.Lock()
	defer s.mu.Unlock()
	periodStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	s.usage[itemID] = []types.UsageSummary{{
		ID:                 fmt.Sprintf("sis_stub_%s", itemID),
		SubscriptionItemID: itemID,
		TotalUsage:         quantity,
		PeriodStart:        periodStart,
		PeriodEnd:          periodStart.AddDate(0, 1, 0),
	}}
	return &types.UsageRecord{
		ID:                 fmt.Sprintf("mbur_stub_%d", at.Unix()),
		SubscriptionItemID: itemID,
		Quantity:           quantity,
		Timestamp:          at.UTC(),
	}, nil
}

func (s *StubBillingProvider) GetCurrentUsage(ctx context.Context, itemID string) (*types.UsageSummary, error) {
	summaries, _ := s.ListUsageRecords(ctx, itemID)
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

func (s *StubBillingProvider) ListUsageRecords(ctx context.Context, itemID string) ([]types.UsageSummary, error) {
	s.logger.InfoContext(ctx, "stub: ListUsageRecords called", "item_id", itemID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.UsageSummary(nil), s.usage[itemID]...), nil
}

// StubWebhookSource accepts any signature and decodes payloads as Stripe
// events, so locally crafted webhooks can be posted with curl.
type StubWebhookSource struct {
	decoder *StripeWebhookSource
	logger  *slog.Logger
}

// NewStubWebhookSource creates a new StubWebhookSource.
func NewStubWebhookSource(logger *slog.Logger) *StubWebhookSource {
	return &StubWebhookSource{decoder: NewStripeWebhookSource(""), logger: logger}
}

func (s *StubWebhookSource) Verify(payload []byte, _ string) error {
	s.logger.Info("stub: webhook signature accepted without verification", "bytes", len(payload))
	return nil
}

func (s *StubWebhookSource) Decode(payload []byte) (*types.ProviderEvent, error) {
	return s.decoder.Decode(payload)
}
