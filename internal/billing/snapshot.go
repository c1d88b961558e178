package billing

import "seatsync/internal/types"

// applyProviderSnapshot copies the provider-owned fields of ps onto dst:
// status, period, item, price and currency. The seat count follows the
// provider only when the item reports a quantity and dst is not usage-based.
// Variant and billing type are left to the caller. Reports whether anything
// changed.
func applyProviderSnapshot(dst *types.Subscription, ps *types.ProviderSubscription) bool {
	before := *dst

	if ps.Status != "" {
		dst.Status = ps.Status
	}
	if ps.PeriodEnd.Unix() > 0 {
		dst.PeriodStart = ps.PeriodStart
		dst.PeriodEnd = ps.PeriodEnd
	}
	if ps.ItemID != "" {
		dst.ExternalSubscriptionItemID = ps.ItemID
	}
	if ps.UnitAmount > 0 {
		dst.PerSeatPrice = ps.UnitAmount
	}
	if ps.Currency != "" {
		dst.Currency = ps.Currency
	}
	if ps.Quantity != nil && dst.BillingType != types.BillingTypeUsageBased {
		dst.CurrentSeats = *ps.Quantity
	}

	pendingCleared := false
	if dst.Status.IsTerminal() && dst.HasPending() {
		dst.ClearPending()
		pendingCleared = true
	}

	return pendingCleared ||
		before.Status != dst.Status ||
		!before.PeriodStart.Equal(dst.PeriodStart) ||
		!before.PeriodEnd.Equal(dst.PeriodEnd) ||
		before.ExternalSubscriptionItemID != dst.ExternalSubscriptionItemID ||
		before.PerSeatPrice != dst.PerSeatPrice ||
		before.Currency != dst.Currency ||
		before.CurrentSeats != dst.CurrentSeats
}

// newSubscriptionFromSnapshot builds the first row for a provider
// subscription. Metered items report no quantity; such rows start at one
// seat until the first seat change.
func newSubscriptionFromSnapshot(provider string, ps *types.ProviderSubscription, billingType types.BillingType) *types.Subscription {
	seats := 1
	if ps.Quantity != nil {
		seats = *ps.Quantity
	}
	return &types.Subscription{
		OrganizationID:             ps.OrganizationID,
		Provider:                   provider,
		ExternalSubscriptionID:     ps.ID,
		ExternalSubscriptionItemID: ps.ItemID,
		VariantID:                  ps.VariantID,
		BillingType:                billingType,
		Status:                     ps.Status,
		CurrentSeats:               seats,
		PeriodStart:                ps.PeriodStart,
		PeriodEnd:                  ps.PeriodEnd,
		PerSeatPrice:               ps.UnitAmount,
		Currency:                   ps.Currency,
	}
}

// seatChangeMessage builds the SQS notification for a persisted change.
func seatChangeMessage(sub *types.Subscription, previousSeats int, source types.SeatChangeSource) types.SeatChangeMessage {
	msg := types.SeatChangeMessage{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		BillingType:    sub.BillingType,
		PreviousSeats:  previousSeats,
		CurrentSeats:   sub.CurrentSeats,
		Source:         source,
		Version:        sub.Version,
		OccurredAt:     sub.UpdatedAt,
	}
	if sub.PendingSeats != nil {
		p := *sub.PendingSeats
		msg.PendingSeats = &p
	}
	return msg
}
