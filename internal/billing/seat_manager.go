package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"seatsync/internal/types"
)

// seatChangeClaimTTL is how long an in-flight seat change blocks others. An
// older claim is treated as abandoned by a crashed caller.
const seatChangeClaimTTL = 2 * time.Minute

// ChangeOptions tunes an immediate seat change.
type ChangeOptions struct {
	// InvoiceImmediately bills the proration now instead of on the next
	// invoice. Quantity-based only.
	InvoiceImmediately bool
	// IdempotencyKey is forwarded to the provider. Derived from the
	// subscription version when empty.
	IdempotencyKey string
	// ExpectedVersion rejects the change up front when the row has moved on.
	ExpectedVersion *int64
}

// SeatChangeResult describes an applied seat change.
type SeatChangeResult struct {
	Subscription  *types.Subscription `json:"subscription"`
	PreviousSeats int                 `json:"previous_seats"`
	// Proration is set for quantity-based changes only.
	Proration *Proration `json:"proration,omitempty"`
	// UsageRecord is set for usage-based changes only.
	UsageRecord *types.UsageRecord `json:"usage_record,omitempty"`
}

// ProrationPreview is the read-only answer to "what would this change cost".
type ProrationPreview struct {
	SubscriptionID string            `json:"subscription_id"`
	BillingType    types.BillingType `json:"billing_type"`
	CurrentSeats   int               `json:"current_seats"`
	NewQuantity    int               `json:"new_quantity"`
	Proration      Proration         `json:"proration"`
}

type changeDirection int

const (
	directionAny changeDirection = iota
	directionAdd
	directionRemove
)

// SeatManager is the single entry point for seat changes. It is the only
// place that branches on the billing type.
type SeatManager struct {
	store     SubscriptionStore
	provider  ProviderClient
	publisher SeatEventPublisher
	metrics   Metrics
	clock     types.Clock
	logger    *slog.Logger
}

// NewSeatManager creates a SeatManager. provider may be nil when no provider
// is configured, in which case every change fails with
// ErrCodeProviderUnconfigured. publisher, metrics and clock may be nil.
func NewSeatManager(
	store SubscriptionStore,
	provider ProviderClient,
	publisher SeatEventPublisher,
	metrics Metrics,
	clock types.Clock,
	logger *slog.Logger,
) *SeatManager {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SeatManager{
		store:     store,
		provider:  provider,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// ProviderConfigured reports whether seat changes can reach the provider.
func (m *SeatManager) ProviderConfigured() bool {
	return m.provider != nil
}

// PreviewProration computes the charge for changing to newQuantity without
// side effects. Usage-based subscriptions yield ErrCodeBillingNotApplicable
// with the billing type and current seats in the details.
func (m *SeatManager) PreviewProration(ctx context.Context, subscriptionID string, newQuantity int) (*ProrationPreview, error) {
	if err := validateQuantity(newQuantity); err != nil {
		return nil, err
	}
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	switch sub.BillingType {
	case types.BillingTypeQuantityBased:
		return &ProrationPreview{
			SubscriptionID: sub.ID,
			BillingType:    sub.BillingType,
			CurrentSeats:   sub.CurrentSeats,
			NewQuantity:    newQuantity,
			Proration:      CalculateProration(sub, newQuantity, m.clock.Now()),
		}, nil
	case types.BillingTypeUsageBased:
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeBillingNotApplicable,
			"usage-based plans are billed in arrears on peak usage; no proration applies",
			nil,
			map[string]any{"billing_type": string(sub.BillingType), "current_seats": sub.CurrentSeats},
		)
	default:
		return nil, unsupportedType(sub)
	}
}

// AddSeats raises the seat count. newQuantity must exceed the current count.
func (m *SeatManager) AddSeats(ctx context.Context, subscriptionID string, newQuantity int, opts ChangeOptions) (*SeatChangeResult, error) {
	return m.change(ctx, subscriptionID, newQuantity, opts, directionAdd)
}

// RemoveSeats lowers the seat count. newQuantity must be below the current
// count.
func (m *SeatManager) RemoveSeats(ctx context.Context, subscriptionID string, newQuantity int, opts ChangeOptions) (*SeatChangeResult, error) {
	return m.change(ctx, subscriptionID, newQuantity, opts, directionRemove)
}

// ChangeSeats sets the seat count to any positive value.
func (m *SeatManager) ChangeSeats(ctx context.Context, subscriptionID string, newQuantity int, opts ChangeOptions) (*SeatChangeResult, error) {
	return m.change(ctx, subscriptionID, newQuantity, opts, directionAny)
}

// change applies an immediate seat change in three steps: claim the row
// with a version-checked write, call the provider, then record the new
// count and drop the claim. Concurrent callers lose at the claim, before
// anything reaches the provider. A provider failure releases the claim and
// leaves the seat count untouched. Any pending change is superseded.
func (m *SeatManager) change(ctx context.Context, subscriptionID string, newQuantity int, opts ChangeOptions, dir changeDirection) (*SeatChangeResult, error) {
	if err := validateQuantity(newQuantity); err != nil {
		return nil, err
	}
	if m.provider == nil {
		return nil, errProviderUnconfigured()
	}

	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(sub); err != nil {
		return nil, err
	}
	if err := checkDirection(sub, newQuantity, dir); err != nil {
		return nil, err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != sub.Version {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			"subscription was modified concurrently",
			nil,
			map[string]any{"expected_version": *opts.ExpectedVersion, "current_version": sub.Version},
		)
	}
	if !sub.BillingType.Known() {
		return nil, unsupportedType(sub)
	}
	if newQuantity == sub.CurrentSeats && !sub.HasPending() {
		return &SeatChangeResult{Subscription: sub, PreviousSeats: sub.CurrentSeats}, nil
	}
	if sub.BillingType == types.BillingTypeUsageBased {
		if err := requireItem(sub); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	claimed, err := m.claim(ctx, sub, now)
	if err != nil {
		return nil, err
	}

	result := &SeatChangeResult{PreviousSeats: sub.CurrentSeats}
	if sub.BillingType == types.BillingTypeQuantityBased {
		p := CalculateProration(sub, newQuantity, now)
		result.Proration = &p
		key := opts.IdempotencyKey
		if key == "" {
			key = fmt.Sprintf("seats-%s-v%d-%d", sub.ID, sub.Version, newQuantity)
		}
		_, err = m.provider.UpdateSubscriptionQuantity(ctx,
			sub.ExternalSubscriptionID,
			sub.ExternalSubscriptionItemID,
			newQuantity,
			types.UpdateQuantityOptions{
				// Decreases are free; no credit is issued.
				Prorate:            newQuantity > sub.CurrentSeats,
				InvoiceImmediately: opts.InvoiceImmediately,
				IdempotencyKey:     key,
			},
		)
	} else {
		result.UsageRecord, err = m.provider.CreateUsageRecord(ctx, sub.ExternalSubscriptionItemID, newQuantity, now)
	}
	if err != nil {
		m.metrics.RecordSeatChange(ctx, sub.BillingType, OutcomeFailed)
		m.logger.ErrorContext(ctx, "provider rejected seat change",
			"subscription_id", sub.ID,
			"billing_type", string(sub.BillingType),
			"new_quantity", newQuantity,
			"error", err,
		)
		m.release(ctx, claimed)
		return nil, err
	}

	updated, err := m.settle(ctx, claimed, now, func(s *types.Subscription) {
		s.CurrentSeats = newQuantity
		s.ClearPending()
		s.AdvanceProviderEventAt(now)
	})
	if err != nil {
		m.logger.WarnContext(ctx, "provider accepted seat change but local write failed; webhook will reconcile",
			"subscription_id", sub.ID,
			"new_quantity", newQuantity,
			"error", err,
		)
		return nil, err
	}

	result.Subscription = updated
	m.afterChange(ctx, updated, sub.CurrentSeats, types.SeatChangeSourceAdmin)
	return result, nil
}

// ScheduleSeatChange defers a seat change to effectiveAt (default: the end
// of the current period). Nothing is sent to the provider until the
// pending-change applier promotes it.
func (m *SeatManager) ScheduleSeatChange(ctx context.Context, subscriptionID string, newQuantity int, effectiveAt *time.Time) (*types.Subscription, error) {
	if err := validateQuantity(newQuantity); err != nil {
		return nil, err
	}
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(sub); err != nil {
		return nil, err
	}
	if !sub.BillingType.Known() {
		return nil, unsupportedType(sub)
	}

	now := m.clock.Now()
	at := sub.PeriodEnd
	if effectiveAt != nil {
		at = *effectiveAt
	}
	if !at.After(now) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEffective,
			"effective_at must be in the future",
			nil,
			map[string]any{"effective_at": at.UTC()},
		)
	}

	updated := sub.Clone()
	updated.SetPending(newQuantity, at)
	if err := m.write(ctx, updated, sub.Version, now); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "seat change scheduled",
		"subscription_id", sub.ID,
		"pending_seats", newQuantity,
		"effective_at", at.UTC(),
	)
	m.publish(ctx, seatChangeMessage(updated, sub.CurrentSeats, types.SeatChangeSourceAdmin))
	return updated, nil
}

// CancelPendingChange clears a scheduled change. It is a no-op when none is
// pending.
func (m *SeatManager) CancelPendingChange(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.HasPending() {
		return sub, nil
	}

	updated := sub.Clone()
	updated.ClearPending()
	if err := m.write(ctx, updated, sub.Version, m.clock.Now()); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "pending seat change cancelled", "subscription_id", sub.ID)
	m.publish(ctx, seatChangeMessage(updated, sub.CurrentSeats, types.SeatChangeSourceAdmin))
	return updated, nil
}

// PromotePending applies a due pending change of sub. The provider is
// updated without proration since the change lands on the period boundary.
// Like change, the row is claimed before the provider call, so a sub read
// before a concurrent write fails without touching the provider.
func (m *SeatManager) PromotePending(ctx context.Context, sub *types.Subscription, now time.Time) (*types.Subscription, error) {
	if !sub.PendingDue(now) {
		return nil, types.NewAppError(types.ErrCodeValidationNoDuePending,
			fmt.Sprintf("subscription %s has no due pending change", sub.ID), nil)
	}
	if err := requireLive(sub); err != nil {
		return nil, err
	}
	if m.provider == nil {
		return nil, errProviderUnconfigured()
	}
	if !sub.BillingType.Known() {
		return nil, unsupportedType(sub)
	}
	if sub.BillingType == types.BillingTypeUsageBased {
		if err := requireItem(sub); err != nil {
			return nil, err
		}
	}

	claimed, err := m.claim(ctx, sub, now)
	if err != nil {
		return nil, err
	}

	seats := *sub.PendingSeats
	if sub.BillingType == types.BillingTypeQuantityBased {
		_, err = m.provider.UpdateSubscriptionQuantity(ctx,
			sub.ExternalSubscriptionID,
			sub.ExternalSubscriptionItemID,
			seats,
			types.UpdateQuantityOptions{
				Prorate:        false,
				IdempotencyKey: fmt.Sprintf("pending-%s-v%d", sub.ID, sub.Version),
			},
		)
	} else {
		_, err = m.provider.CreateUsageRecord(ctx, sub.ExternalSubscriptionItemID, seats, now)
	}
	if err != nil {
		m.metrics.RecordSeatChange(ctx, sub.BillingType, OutcomeFailed)
		m.release(ctx, claimed)
		return nil, err
	}

	updated, err := m.settle(ctx, claimed, now, func(s *types.Subscription) {
		s.CurrentSeats = seats
		s.ClearPending()
		s.AdvanceProviderEventAt(now)
	})
	if err != nil {
		return nil, err
	}

	m.afterChange(ctx, updated, sub.CurrentSeats, types.SeatChangeSourcePending)
	return updated, nil
}

// GetSeatEntitlement returns the seat entitlement of the organization's live
// subscription, or ErrCodeNotFoundSubscription.
func (m *SeatManager) GetSeatEntitlement(ctx context.Context, orgID string) (*types.SeatEntitlement, error) {
	sub, err := m.store.GetLiveByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &types.SeatEntitlement{
		SubscriptionID:     sub.ID,
		OrganizationID:     sub.OrganizationID,
		BillingType:        sub.BillingType,
		Status:             sub.Status,
		CurrentSeats:       sub.CurrentSeats,
		PendingSeats:       sub.PendingSeats,
		PendingEffectiveAt: sub.PendingEffectiveAt,
		PeriodEnd:          sub.PeriodEnd,
	}, nil
}

// SyncFromProvider pulls the provider's view of the subscription and applies
// status, period, price and (for quantity-based plans) quantity.
func (m *SeatManager) SyncFromProvider(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	if m.provider == nil {
		return nil, errProviderUnconfigured()
	}
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	ps, err := m.provider.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	updated := sub.Clone()
	if !applyProviderSnapshot(updated, ps) {
		m.logger.InfoContext(ctx, "subscription already in sync", "subscription_id", sub.ID)
		return sub, nil
	}
	now := m.clock.Now()
	updated.AdvanceProviderEventAt(now)
	if err := m.write(ctx, updated, sub.Version, now); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscription synced from provider",
		"subscription_id", sub.ID,
		"status", string(updated.Status),
		"previous_seats", sub.CurrentSeats,
		"current_seats", updated.CurrentSeats,
	)
	if updated.CurrentSeats != sub.CurrentSeats {
		m.publish(ctx, seatChangeMessage(updated, sub.CurrentSeats, types.SeatChangeSourceSync))
	}
	return updated, nil
}

// write performs the CAS update and counts lost races.
func (m *SeatManager) write(ctx context.Context, sub *types.Subscription, expectedVersion int64, now time.Time) error {
	err := m.store.CompareAndSwap(ctx, sub, expectedVersion, now)
	if types.IsCode(err, types.ErrCodeConflictConcurrent) {
		m.metrics.RecordSeatChange(ctx, sub.BillingType, OutcomeConflict)
	}
	return err
}

// claim marks sub as having a seat change in flight. Only one caller can
// claim a given version, and an unexpired claim refuses everyone else.
func (m *SeatManager) claim(ctx context.Context, sub *types.Subscription, now time.Time) (*types.Subscription, error) {
	if sub.ClaimHeld(now, seatChangeClaimTTL) {
		m.metrics.RecordSeatChange(ctx, sub.BillingType, OutcomeConflict)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			"another seat change is in progress",
			nil,
			map[string]any{"subscription_id": sub.ID, "claimed_at": sub.SeatChangeClaimedAt.UTC()},
		)
	}
	if sub.SeatChangeClaim != "" {
		m.logger.WarnContext(ctx, "taking over abandoned seat change claim",
			"subscription_id", sub.ID,
			"claimed_at", sub.SeatChangeClaimedAt,
		)
	}

	claimed := sub.Clone()
	claimed.SetClaim(uuid.NewString(), now)
	if err := m.write(ctx, claimed, sub.Version, now); err != nil {
		return nil, err
	}
	return claimed, nil
}

// settle applies mutate to the claimed row and drops the claim. Webhook
// writes that landed since the claim keep the claim intact, so a conflict
// re-reads and tries again as long as the claim is still ours.
func (m *SeatManager) settle(ctx context.Context, claimed *types.Subscription, now time.Time, mutate func(*types.Subscription)) (*types.Subscription, error) {
	cur := claimed
	for attempt := 1; ; attempt++ {
		if cur.SeatChangeClaim != claimed.SeatChangeClaim {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
				"seat change claim was taken over before the change was recorded",
				nil,
				map[string]any{"subscription_id": claimed.ID},
			)
		}

		updated := cur.Clone()
		if mutate != nil {
			mutate(updated)
		}
		updated.ClearClaim()
		err := m.store.CompareAndSwap(ctx, updated, cur.Version, now)
		if err == nil {
			return updated, nil
		}
		if !types.IsCode(err, types.ErrCodeConflictConcurrent) || attempt == maxSnapshotAttempts {
			return nil, err
		}

		if cur, err = m.store.GetByID(ctx, claimed.ID); err != nil {
			return nil, err
		}
	}
}

// release drops the claim after a failed provider call. On failure the
// claim lapses after seatChangeClaimTTL.
func (m *SeatManager) release(ctx context.Context, claimed *types.Subscription) {
	if _, err := m.settle(ctx, claimed, m.clock.Now(), nil); err != nil {
		m.logger.WarnContext(ctx, "failed to release seat change claim",
			"subscription_id", claimed.ID,
			"error", err,
		)
	}
}

func (m *SeatManager) afterChange(ctx context.Context, sub *types.Subscription, previousSeats int, source types.SeatChangeSource) {
	m.metrics.RecordSeatChange(ctx, sub.BillingType, OutcomeApplied)
	m.logger.InfoContext(ctx, "seat change applied",
		"subscription_id", sub.ID,
		"org_id", sub.OrganizationID,
		"billing_type", string(sub.BillingType),
		"previous_seats", previousSeats,
		"current_seats", sub.CurrentSeats,
		"version", sub.Version,
		"source", string(source),
	)
	m.publish(ctx, seatChangeMessage(sub, previousSeats, source))
}

func (m *SeatManager) publish(ctx context.Context, msg types.SeatChangeMessage) {
	msg.TraceID = types.GetRequestID(ctx)
	if err := m.publisher.PublishSeatChange(ctx, msg); err != nil {
		m.logger.WarnContext(ctx, "failed to publish seat change",
			"subscription_id", msg.SubscriptionID,
			"error", err,
		)
	}
}

func validateQuantity(q int) error {
	if q < 1 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuantity,
			"new_quantity must be at least 1", nil, map[string]any{"new_quantity": q})
	}
	return nil
}

func checkDirection(sub *types.Subscription, newQuantity int, dir changeDirection) error {
	switch {
	case dir == directionAdd && newQuantity <= sub.CurrentSeats:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuantity,
			"new_quantity must exceed the current seat count",
			nil,
			map[string]any{"new_quantity": newQuantity, "current_seats": sub.CurrentSeats},
		)
	case dir == directionRemove && newQuantity >= sub.CurrentSeats:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuantity,
			"new_quantity must be below the current seat count",
			nil,
			map[string]any{"new_quantity": newQuantity, "current_seats": sub.CurrentSeats},
		)
	}
	return nil
}

func requireLive(sub *types.Subscription) error {
	if sub.Status.IsLive() {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationNotLive,
		fmt.Sprintf("subscription is %s", sub.Status),
		nil,
		map[string]any{"status": string(sub.Status)},
	)
}

func requireItem(sub *types.Subscription) error {
	if sub.ExternalSubscriptionItemID != "" {
		return nil
	}
	return types.NewAppError(types.ErrCodeValidationMissingField,
		"usage-based subscription has no subscription item", nil)
}

func unsupportedType(sub *types.Subscription) error {
	return types.NewAppErrorWithDetails(types.ErrCodeBillingUnsupportedType,
		fmt.Sprintf("seat changes are not supported for billing type %q", sub.BillingType),
		nil,
		map[string]any{"billing_type": string(sub.BillingType), "variant_id": sub.VariantID},
	)
}

func errProviderUnconfigured() error {
	return types.NewAppError(types.ErrCodeProviderUnconfigured, "billing provider is not configured", nil)
}
