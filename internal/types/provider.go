package types

import "time"

// ProrationBehavior tells the provider how to bill a quantity change made
// mid-period.
type ProrationBehavior string

const (
	ProrationCreate        ProrationBehavior = "create_prorations"
	ProrationAlwaysInvoice ProrationBehavior = "always_invoice"
	ProrationNone          ProrationBehavior = "none"
)

// UpdateQuantityOptions controls a provider-side quantity update.
type UpdateQuantityOptions struct {
	// Prorate false sends ProrationNone regardless of InvoiceImmediately.
	Prorate            bool
	InvoiceImmediately bool
	IdempotencyKey     string
}

// Behavior resolves the proration behavior the options select.
func (o UpdateQuantityOptions) Behavior() ProrationBehavior {
	switch {
	case !o.Prorate:
		return ProrationNone
	case o.InvoiceImmediately:
		return ProrationAlwaysInvoice
	default:
		return ProrationCreate
	}
}

// UsageRecord is a usage report accepted by the provider.
type UsageRecord struct {
	ID                 string    `json:"id"`
	SubscriptionItemID string    `json:"subscription_item_id"`
	Quantity           int       `json:"quantity"`
	Timestamp          time.Time `json:"timestamp"`
}

// UsageSummary aggregates the usage reported for one billing period.
type UsageSummary struct {
	ID                 string    `json:"id"`
	SubscriptionItemID string    `json:"subscription_item_id"`
	TotalUsage         int       `json:"total_usage"`
	PeriodStart        time.Time `json:"period_start"`
	PeriodEnd          time.Time `json:"period_end"`
}
