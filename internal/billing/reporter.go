package billing

import (
	"context"

	"seatsync/internal/types"
)

// UsageReport is the provider-side usage of a usage-based subscription.
type UsageReport struct {
	SubscriptionID string               `json:"subscription_id"`
	CurrentSeats   int                  `json:"current_seats"`
	Current        *types.UsageSummary  `json:"current,omitempty"`
	Periods        []types.UsageSummary `json:"periods"`
}

// GetUsage returns the reported usage of the current and past periods.
// Quantity-based subscriptions yield ErrCodeBillingNotApplicable.
func (m *SeatManager) GetUsage(ctx context.Context, subscriptionID string) (*UsageReport, error) {
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	switch sub.BillingType {
	case types.BillingTypeUsageBased:
	case types.BillingTypeQuantityBased:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeBillingNotApplicable,
			"quantity-based plans do not report usage",
			nil,
			map[string]any{"billing_type": string(sub.BillingType), "current_seats": sub.CurrentSeats},
		)
	default:
		return nil, unsupportedType(sub)
	}
	if m.provider == nil {
		return nil, errProviderUnconfigured()
	}
	if err := requireItem(sub); err != nil {
		return nil, err
	}

	current, err := m.provider.GetCurrentUsage(ctx, sub.ExternalSubscriptionItemID)
	if err != nil {
		return nil, err
	}
	periods, err := m.provider.ListUsageRecords(ctx, sub.ExternalSubscriptionItemID)
	if err != nil {
		return nil, err
	}

	report := &UsageReport{
		SubscriptionID: sub.ID,
		CurrentSeats:   sub.CurrentSeats,
		Current:        current,
		Periods:        periods,
	}
	if report.Periods == nil {
		report.Periods = []types.UsageSummary{}
	}
	return report, nil
}
