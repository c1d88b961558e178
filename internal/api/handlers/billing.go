// Package handlers contains the HTTP handler implementations for the seatsync
// API.
//
// This file implements the organization-facing seat routes mounted under
// /billing:
//   - proration preview
//   - immediate seat changes
//   - deferred (pending) seat changes
//   - entitlement, usage and provider resync
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"seatsync/internal/billing"
	"seatsync/internal/core"
	"seatsync/internal/types"
)

// --- Service Interfaces ---
//
// The handler defines the contracts it consumes and receives implementations
// through the constructor, so tests can substitute func-field mocks.

// SeatService is the subset of billing.SeatManager used by the routes.
type SeatService interface {
	GetSeatEntitlement(ctx context.Context, orgID string) (*types.SeatEntitlement, error)
	PreviewProration(ctx context.Context, subscriptionID string, newQuantity int) (*billing.ProrationPreview, error)
	ChangeSeats(ctx context.Context, subscriptionID string, newQuantity int, opts billing.ChangeOptions) (*billing.SeatChangeResult, error)
	ScheduleSeatChange(ctx context.Context, subscriptionID string, newQuantity int, effectiveAt *time.Time) (*types.Subscription, error)
	CancelPendingChange(ctx context.Context, subscriptionID string) (*types.Subscription, error)
	SyncFromProvider(ctx context.Context, subscriptionID string) (*types.Subscription, error)
	GetUsage(ctx context.Context, subscriptionID string) (*billing.UsageReport, error)
}

// OccupancyCounter reports how many seats an organization currently uses.
// Implemented by db.OccupancyRepository.
type OccupancyCounter interface {
	CountOccupiedSeats(ctx context.Context, orgID string, now time.Time) (int, error)
}

// --- Request/Response Models ---

// SeatQuantityRequest is the body of POST /billing/proration-preview.
type SeatQuantityRequest struct {
	NewQuantity int `json:"new_quantity" validate:"seat_quantity"`
}

// UpdateQuantityRequest is the body of POST /billing/update-subscription-quantity.
type UpdateQuantityRequest struct {
	NewQuantity        int  `json:"new_quantity" validate:"seat_quantity"`
	InvoiceImmediately bool `json:"invoice_immediately"`
}

// PendingChangeRequest is the body of POST /billing/pending-change. A nil
// EffectiveAt defers the change to the end of the current period.
type PendingChangeRequest struct {
	NewQuantity int        `json:"new_quantity" validate:"seat_quantity"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// ProrationBody is the client-facing proration breakdown. Amount is in major
// currency units (10.00 PLN is 10); AmountMinor carries the exact value.
type ProrationBody struct {
	Amount          float64 `json:"amount"`
	AmountMinor     int64   `json:"amountMinor"`
	AmountFormatted string  `json:"amountFormatted"`
	Currency        string  `json:"currency"`
	DaysRemaining   int     `json:"daysRemaining"`
	SeatsAdded      int     `json:"seatsAdded"`
	Message         string  `json:"message"`
}

// ProrationPreviewResponse answers a preview. Applicable is false for plans
// that are not charged a proration; Message then explains why.
type ProrationPreviewResponse struct {
	Applicable   bool              `json:"applicable"`
	BillingType  types.BillingType `json:"billing_type"`
	CurrentSeats int               `json:"current_seats"`
	NewQuantity  int               `json:"new_quantity"`
	Proration    *ProrationBody    `json:"proration,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// SeatsResponse is the response for GET /billing/seats.
type SeatsResponse struct {
	*types.SeatEntitlement
	OccupiedSeats  int `json:"occupied_seats"`
	AvailableSeats int `json:"available_seats"`
}

// --- Billing Handler ---

// BillingHandler serves the seat routes for the authenticated organization.
type BillingHandler struct {
	seats     SeatService
	occupancy OccupancyCounter
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler. A nil clock uses the wall clock.
func NewBillingHandler(
	seats SeatService,
	occupancy OccupancyCounter,
	v *core.Validator,
	clock types.Clock,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &BillingHandler{
		seats:     seats,
		occupancy: occupancy,
		validator: v,
		clock:     clock,
		logger:    l,
	}
}

// RegisterRoutes mounts the seat routes. The caller applies authentication
// and idempotency middleware.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/proration-preview", h.PreviewProration)
	r.Post("/update-subscription-quantity", h.UpdateQuantity)
	r.Post("/pending-change", h.SchedulePendingChange)
	r.Delete("/pending-change", h.CancelPendingChange)
	r.Get("/seats", h.GetSeats)
	r.Get("/usage", h.GetUsage)
	r.Post("/sync", h.Sync)
}

// PreviewProration handles POST /billing/proration-preview.
func (h *BillingHandler) PreviewProration(w http.ResponseWriter, r *http.Request) {
	var req SeatQuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}

	preview, err := h.seats.PreviewProration(r.Context(), ent.SubscriptionID, req.NewQuantity)
	if err != nil {
		if appErr, ok := asNotApplicable(err); ok {
			core.JSON(w, r, http.StatusOK, ProrationPreviewResponse{
				Applicable:   false,
				BillingType:  ent.BillingType,
				CurrentSeats: ent.CurrentSeats,
				NewQuantity:  req.NewQuantity,
				Message:      appErr.Message,
			})
			return
		}
		core.Error(w, r, err)
		return
	}

	p := preview.Proration
	core.JSON(w, r, http.StatusOK, ProrationPreviewResponse{
		Applicable:   true,
		BillingType:  preview.BillingType,
		CurrentSeats: preview.CurrentSeats,
		NewQuantity:  preview.NewQuantity,
		Proration: &ProrationBody{
			Amount:          billing.MajorUnits(p.Amount),
			AmountMinor:     p.Amount,
			AmountFormatted: billing.FormatMinorUnits(p.Amount),
			Currency:        p.Currency,
			DaysRemaining:   p.DaysRemaining,
			SeatsAdded:      p.SeatsAdded,
			Message:         p.Message,
		},
	})
}

// UpdateQuantity handles POST /billing/update-subscription-quantity. The
// Idempotency-Key header, when present, is forwarded to the provider.
func (h *BillingHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req UpdateQuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}
	if !h.checkOccupancy(w, r, ent.OrganizationID, req.NewQuantity) {
		return
	}

	result, err := h.seats.ChangeSeats(r.Context(), ent.SubscriptionID, req.NewQuantity, billing.ChangeOptions{
		InvoiceImmediately: req.InvoiceImmediately,
		IdempotencyKey:     r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "seat quantity updated",
		"org_id", ent.OrganizationID,
		"subscription_id", ent.SubscriptionID,
		"previous_seats", result.PreviousSeats,
		"current_seats", result.Subscription.CurrentSeats,
	)
	core.JSON(w, r, http.StatusOK, result)
}

// SchedulePendingChange handles POST /billing/pending-change.
func (h *BillingHandler) SchedulePendingChange(w http.ResponseWriter, r *http.Request) {
	var req PendingChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}
	if !h.checkOccupancy(w, r, ent.OrganizationID, req.NewQuantity) {
		return
	}

	sub, err := h.seats.ScheduleSeatChange(r.Context(), ent.SubscriptionID, req.NewQuantity, req.EffectiveAt)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}

// CancelPendingChange handles DELETE /billing/pending-change.
func (h *BillingHandler) CancelPendingChange(w http.ResponseWriter, r *http.Request) {
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}
	sub, err := h.seats.CancelPendingChange(r.Context(), ent.SubscriptionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}

// GetSeats handles GET /billing/seats.
func (h *BillingHandler) GetSeats(w http.ResponseWriter, r *http.Request) {
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}
	occupied, err := h.occupancy.CountOccupiedSeats(r.Context(), ent.OrganizationID, h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	available := ent.CurrentSeats - occupied
	if available < 0 {
		available = 0
	}
	core.JSON(w, r, http.StatusOK, SeatsResponse{
		SeatEntitlement: ent,
		OccupiedSeats:   occupied,
		AvailableSeats:  available,
	})
}

// GetUsage handles GET /billing/usage.
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}
	report, err := h.seats.GetUsage(r.Context(), ent.SubscriptionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, report)
}

// Sync handles POST /billing/sync.
func (h *BillingHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ent, ok := h.entitlement(w, r)
	if !ok {
		return
	}
	sub, err := h.seats.SyncFromProvider(r.Context(), ent.SubscriptionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}

// --- helpers ---

func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// entitlement resolves the caller's live subscription.
func (h *BillingHandler) entitlement(w http.ResponseWriter, r *http.Request) (*types.SeatEntitlement, bool) {
	orgID, ok := types.GetOrgID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return nil, false
	}
	ent, err := h.seats.GetSeatEntitlement(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	return ent, true
}

// checkOccupancy rejects a quantity below the seats currently in use.
func (h *BillingHandler) checkOccupancy(w http.ResponseWriter, r *http.Request, orgID string, newQuantity int) bool {
	occupied, err := h.occupancy.CountOccupiedSeats(r.Context(), orgID, h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return false
	}
	if newQuantity < occupied {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationBelowOccupied,
			"seat quantity cannot be lower than the number of occupied seats",
			nil,
			map[string]any{"occupied_seats": occupied, "new_quantity": newQuantity},
		))
		return false
	}
	return true
}

func asNotApplicable(err error) (*types.AppError, bool) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeBillingNotApplicable {
		return appErr, true
	}
	return nil, false
}
