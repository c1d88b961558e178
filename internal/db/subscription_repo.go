package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"seatsync/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
// Every mutation after creation goes through CompareAndSwap, which bumps the
// version column and fails when another writer got there first.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by the
// given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, organization_id, provider, external_subscription_id,
	external_subscription_item_id, variant_id, billing_type, status,
	current_seats, pending_seats, pending_effective_at, period_start, period_end,
	per_seat_price, currency, version, created_at, updated_at,
	provider_event_at, seat_change_claim, seat_change_claimed_at`

// liveStatusFilter must list the same statuses as types.LiveStatuses and the
// partial unique index subscriptions_one_live_per_org.
const liveStatusFilter = `status IN ('on_trial', 'active', 'past_due', 'paused')`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	var itemID, variantID, claim *string
	err := row.Scan(
		&s.ID,
		&s.OrganizationID,
		&s.Provider,
		&s.ExternalSubscriptionID,
		&itemID,
		&variantID,
		&s.BillingType,
		&s.Status,
		&s.CurrentSeats,
		&s.PendingSeats,
		&s.PendingEffectiveAt,
		&s.PeriodStart,
		&s.PeriodEnd,
		&s.PerSeatPrice,
		&s.Currency,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ProviderEventAt,
		&claim,
		&s.SeatChangeClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	if claim != nil {
		s.SeatChangeClaim = *claim
	}
	if itemID != nil {
		s.ExternalSubscriptionItemID = *itemID
	}
	if variantID != nil {
		s.VariantID = *variantID
	}
	return &s, nil
}

func (r *SubscriptionRepository) getOne(ctx context.Context, query string, args ...any) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// GetByID loads a subscription by its primary key.
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		id,
	)
}

// GetLiveByOrganization loads the single live subscription of an organization.
func (r *SubscriptionRepository) GetLiveByOrganization(ctx context.Context, orgID string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE organization_id = $1 AND `+liveStatusFilter,
		orgID,
	)
}

// GetByExternalID loads a subscription by the provider's identifier.
func (r *SubscriptionRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*types.Subscription, error) {
	return r.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE provider = $1 AND external_subscription_id = $2`,
		provider, externalID,
	)
}

// Create inserts a new subscription at version 1. The ID is generated when
// empty. On success sub carries the persisted version and timestamps.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription, now time.Time) error {
	if err := sub.Validate(); err != nil {
		return types.NewAppError(types.ErrCodeValidationFailed, err.Error(), nil)
	}
	if sub.ID == "" {
		sub.ID = "sub_" + uuid.NewString()
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (
			id, organization_id, provider, external_subscription_id,
			external_subscription_item_id, variant_id, billing_type, status,
			current_seats, pending_seats, pending_effective_at, period_start, period_end,
			per_seat_price, currency, version, created_at, updated_at, provider_event_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $16, $17)
		RETURNING version, created_at, updated_at`,
		sub.ID,
		sub.OrganizationID,
		sub.Provider,
		sub.ExternalSubscriptionID,
		nullableString(sub.ExternalSubscriptionItemID),
		nullableString(sub.VariantID),
		sub.BillingType,
		sub.Status,
		sub.CurrentSeats,
		sub.PendingSeats,
		sub.PendingEffectiveAt,
		sub.PeriodStart,
		sub.PeriodEnd,
		sub.PerSeatPrice,
		sub.Currency,
		now.UTC(),
		sub.ProviderEventAt,
	).Scan(&sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return mapSubscriptionWriteError(err, "failed to create subscription")
	}
	return nil
}

// CompareAndSwap writes every mutable column of sub, including the provider
// event watermark and the seat change claim, if and only if the stored
// version still equals expectedVersion. On success sub.Version and
// sub.UpdatedAt reflect the new row. A lost race returns
// ErrCodeConflictConcurrent and leaves the stored row untouched.
func (r *SubscriptionRepository) CompareAndSwap(ctx context.Context, sub *types.Subscription, expectedVersion int64, now time.Time) error {
	if err := sub.Validate(); err != nil {
		return types.NewAppError(types.ErrCodeValidationFailed, err.Error(), nil)
	}

	err := r.db.QueryRow(ctx,
		`UPDATE subscriptions SET
			external_subscription_item_id = $3,
			variant_id = $4,
			billing_type = $5,
			status = $6,
			current_seats = $7,
			pending_seats = $8,
			pending_effective_at = $9,
			period_start = $10,
			period_end = $11,
			per_seat_price = $12,
			currency = $13,
			version = version + 1,
			updated_at = $14,
			provider_event_at = $15,
			seat_change_claim = $16,
			seat_change_claimed_at = $17
		 WHERE id = $1 AND version = $2
		 RETURNING version, updated_at`,
		sub.ID,
		expectedVersion,
		nullableString(sub.ExternalSubscriptionItemID),
		nullableString(sub.VariantID),
		sub.BillingType,
		sub.Status,
		sub.CurrentSeats,
		sub.PendingSeats,
		sub.PendingEffectiveAt,
		sub.PeriodStart,
		sub.PeriodEnd,
		sub.PerSeatPrice,
		sub.Currency,
		now.UTC(),
		sub.ProviderEventAt,
		nullableString(sub.SeatChangeClaim),
		sub.SeatChangeClaimedAt,
	).Scan(&sub.Version, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictConcurrent,
				"subscription was modified concurrently",
				nil,
				map[string]any{"subscription_id": sub.ID, "expected_version": expectedVersion},
			)
		}
		return mapSubscriptionWriteError(err, "failed to update subscription")
	}
	return nil
}

// ListDuePending returns live subscriptions whose scheduled change is due at
// now, oldest first.
func (r *SubscriptionRepository) ListDuePending(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE pending_effective_at IS NOT NULL
		   AND pending_effective_at <= $1
		   AND `+liveStatusFilter+`
		 ORDER BY pending_effective_at ASC, id ASC
		 LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due pending changes", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return subs, nil
}

func mapSubscriptionWriteError(err error, msg string) error {
	code, constraint := pgErrorCode(err)
	switch {
	case code == pgUniqueViolation && constraint == constraintOneLivePerOrg:
		return types.NewAppError(types.ErrCodeConflictLiveExists, "organization already has a live subscription", err)
	case code == pgUniqueViolation && constraint == constraintExternalSubID:
		return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription was created concurrently", err)
	case code == pgCheckViolation:
		return types.NewAppError(types.ErrCodeValidationFailed, fmt.Sprintf("subscription violates constraint %s", constraint), err)
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
