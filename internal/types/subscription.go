package types

import (
	"fmt"
	"time"
)

// BillingType selects the seat-change strategy for a subscription.
type BillingType string

const (
	// BillingTypeQuantityBased is a yearly plan billed up front. Seat changes
	// are sent to the provider immediately with proration.
	BillingTypeQuantityBased BillingType = "quantity_based"
	// BillingTypeUsageBased is a monthly plan billed in arrears on peak usage.
	BillingTypeUsageBased BillingType = "usage_based"
	// BillingTypeLegacy marks a subscription whose plan could not be
	// classified. Seat changes are refused until it is reclassified.
	BillingTypeLegacy BillingType = "legacy"
)

// Known reports whether b is one of the two classified billing types.
func (b BillingType) Known() bool {
	return b == BillingTypeQuantityBased || b == BillingTypeUsageBased
}

// SubscriptionStatus mirrors the provider-side lifecycle of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusOnTrial   SubscriptionStatus = "on_trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// LiveStatuses lists the statuses that count towards the one-live-row-per-org
// constraint. Must match the partial unique index in the migrations.
var LiveStatuses = []SubscriptionStatus{
	SubscriptionStatusOnTrial,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusPaused,
}

// IsLive reports whether the status is one of LiveStatuses.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusOnTrial, SubscriptionStatusActive,
		SubscriptionStatusPastDue, SubscriptionStatusPaused:
		return true
	}
	return false
}

// IsTerminal reports whether the subscription has ended.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Subscription is the persisted seat entitlement of one organization.
// PerSeatPrice is expressed in minor currency units.
type Subscription struct {
	ID                         string             `json:"id"`
	OrganizationID             string             `json:"organization_id"`
	Provider                   string             `json:"provider"`
	ExternalSubscriptionID     string             `json:"external_subscription_id"`
	ExternalSubscriptionItemID string             `json:"external_subscription_item_id,omitempty"`
	VariantID                  string             `json:"variant_id,omitempty"`
	BillingType                BillingType        `json:"billing_type"`
	Status                     SubscriptionStatus `json:"status"`
	CurrentSeats               int                `json:"current_seats"`
	PendingSeats               *int               `json:"pending_seats,omitempty"`
	PendingEffectiveAt         *time.Time         `json:"pending_effective_at,omitempty"`
	PeriodStart                time.Time          `json:"period_start"`
	PeriodEnd                  time.Time          `json:"period_end"`
	PerSeatPrice               int64              `json:"per_seat_price"`
	Currency                   string             `json:"currency"`
	Version                    int64              `json:"version"`
	CreatedAt                  time.Time          `json:"created_at"`
	UpdatedAt                  time.Time          `json:"updated_at"`

	// ProviderEventAt is the provider-side time of the newest state applied
	// to the row: the OccurredAt of an ingested event, or the write time of a
	// seat change pushed by us. Snapshots older than it are stale.
	ProviderEventAt *time.Time `json:"provider_event_at,omitempty"`

	// SeatChangeClaim marks a seat change in flight between the provider call
	// and the final store write.
	SeatChangeClaim     string     `json:"-"`
	SeatChangeClaimedAt *time.Time `json:"-"`
}

var _ Validator = (*Subscription)(nil)

// Validate checks the row-level invariants that must hold before any write.
func (s *Subscription) Validate() error {
	if s.CurrentSeats < 0 {
		return fmt.Errorf("current_seats must be >= 0, got %d", s.CurrentSeats)
	}
	if (s.PendingSeats == nil) != (s.PendingEffectiveAt == nil) {
		return fmt.Errorf("pending_seats and pending_effective_at must be set together")
	}
	if s.PendingSeats != nil && *s.PendingSeats < 0 {
		return fmt.Errorf("pending_seats must be >= 0, got %d", *s.PendingSeats)
	}
	return nil
}

// HasPending reports whether a deferred seat change is scheduled.
func (s *Subscription) HasPending() bool {
	return s.PendingSeats != nil && s.PendingEffectiveAt != nil
}

// PendingDue reports whether the deferred change should be promoted at now.
func (s *Subscription) PendingDue(now time.Time) bool {
	return s.HasPending() && !s.PendingEffectiveAt.After(now)
}

// ClearPending removes any scheduled change.
func (s *Subscription) ClearPending() {
	s.PendingSeats = nil
	s.PendingEffectiveAt = nil
}

// SetPending schedules seats to take effect at effectiveAt.
func (s *Subscription) SetPending(seats int, effectiveAt time.Time) {
	s.PendingSeats = &seats
	at := effectiveAt.UTC()
	s.PendingEffectiveAt = &at
}

// Clone returns a deep copy so callers can mutate a working copy while
// keeping the originally read row for comparisons.
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.PendingSeats != nil {
		v := *s.PendingSeats
		c.PendingSeats = &v
	}
	if s.PendingEffectiveAt != nil {
		v := *s.PendingEffectiveAt
		c.PendingEffectiveAt = &v
	}
	if s.ProviderEventAt != nil {
		v := *s.ProviderEventAt
		c.ProviderEventAt = &v
	}
	if s.SeatChangeClaimedAt != nil {
		v := *s.SeatChangeClaimedAt
		c.SeatChangeClaimedAt = &v
	}
	return &c
}

// StaleAt reports whether provider state observed at occurredAt predates the
// state already applied to the row. Rows without a watermark accept any
// event.
func (s *Subscription) StaleAt(occurredAt time.Time) bool {
	return s.ProviderEventAt != nil && occurredAt.Before(*s.ProviderEventAt)
}

// AdvanceProviderEventAt moves the watermark forward to t. It never moves
// it back. Reports whether it moved.
func (s *Subscription) AdvanceProviderEventAt(t time.Time) bool {
	if s.ProviderEventAt != nil && !t.After(*s.ProviderEventAt) {
		return false
	}
	at := t.UTC()
	s.ProviderEventAt = &at
	return true
}

// ClaimHeld reports whether a seat change claimed within ttl of now is still
// in flight.
func (s *Subscription) ClaimHeld(now time.Time, ttl time.Duration) bool {
	return s.SeatChangeClaim != "" && s.SeatChangeClaimedAt != nil &&
		now.Before(s.SeatChangeClaimedAt.Add(ttl))
}

// SetClaim records token as the in-flight seat change.
func (s *Subscription) SetClaim(token string, at time.Time) {
	s.SeatChangeClaim = token
	t := at.UTC()
	s.SeatChangeClaimedAt = &t
}

// ClearClaim removes any in-flight marker.
func (s *Subscription) ClearClaim() {
	s.SeatChangeClaim = ""
	s.SeatChangeClaimedAt = nil
}

// SeatEntitlement is the read model exposed to membership checks.
type SeatEntitlement struct {
	SubscriptionID     string             `json:"subscription_id"`
	OrganizationID     string             `json:"organization_id"`
	BillingType        BillingType        `json:"billing_type"`
	Status             SubscriptionStatus `json:"status"`
	CurrentSeats       int                `json:"current_seats"`
	PendingSeats       *int               `json:"pending_seats,omitempty"`
	PendingEffectiveAt *time.Time         `json:"pending_effective_at,omitempty"`
	PeriodEnd          time.Time          `json:"period_end"`
}
