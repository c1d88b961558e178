package handlers

// This file implements the scheduled-job routes mounted under /cron. They are
// invoked by an external scheduler with the CRON_SECRET bearer token; the
// caller mounts them behind core.Server.CronSecretMiddleware.

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"seatsync/internal/core"
	"seatsync/internal/scheduler"
	"seatsync/internal/types"
)

// PendingApplier is implemented by scheduler.Applier.
type PendingApplier interface {
	ApplyDuePendingChanges(ctx context.Context, now time.Time) (*scheduler.ApplySummary, error)
}

// EventReprocessor is implemented by scheduler.FailedEventReprocessor.
type EventReprocessor interface {
	ReprocessFailed(ctx context.Context) (*scheduler.ReprocessSummary, error)
}

// ApplyPendingResponse is the response for /cron/apply-pending-subscription-changes.
type ApplyPendingResponse struct {
	Success   bool                  `json:"success"`
	Processed int                   `json:"processed"`
	Applied   int                   `json:"applied"`
	Failed    int                   `json:"failed"`
	Message   string                `json:"message"`
	Results   []scheduler.RowResult `json:"results"`
}

// ReprocessResponse is the response for /cron/reprocess-billing-events.
type ReprocessResponse struct {
	Success   bool                        `json:"success"`
	Processed int                         `json:"processed"`
	Succeeded int                         `json:"succeeded"`
	Failed    int                         `json:"failed"`
	Message   string                      `json:"message"`
	Results   []scheduler.ReprocessResult `json:"results"`
}

// CronHandler runs the scheduled jobs on demand.
type CronHandler struct {
	applier            PendingApplier
	reprocessor        EventReprocessor
	providerConfigured bool
	clock              types.Clock
	logger             *slog.Logger
}

// NewCronHandler creates a CronHandler. providerConfigured gates the applier,
// which cannot promote changes without provider credentials.
func NewCronHandler(
	applier PendingApplier,
	reprocessor EventReprocessor,
	providerConfigured bool,
	clock types.Clock,
	logger *slog.Logger,
) *CronHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &CronHandler{
		applier:            applier,
		reprocessor:        reprocessor,
		providerConfigured: providerConfigured,
		clock:              clock,
		logger:             logger,
	}
}

// RegisterRoutes mounts the job routes. Both GET and POST are accepted since
// schedulers differ in the method they send.
func (h *CronHandler) RegisterRoutes(r chi.Router) {
	r.Get("/apply-pending-subscription-changes", h.ApplyPendingChanges)
	r.Post("/apply-pending-subscription-changes", h.ApplyPendingChanges)
	r.Get("/reprocess-billing-events", h.ReprocessBillingEvents)
	r.Post("/reprocess-billing-events", h.ReprocessBillingEvents)
}

// ApplyPendingChanges promotes every pending seat change that is due.
func (h *CronHandler) ApplyPendingChanges(w http.ResponseWriter, r *http.Request) {
	if !h.providerConfigured {
		h.logger.ErrorContext(r.Context(), "pending-change applier invoked without provider credentials")
		core.Error(w, r, types.NewAppError(types.ErrCodeProviderUnconfigured,
			"billing provider is not configured", nil))
		return
	}

	summary, err := h.applier.ApplyDuePendingChanges(r.Context(), h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := ApplyPendingResponse{
		Success:   len(summary.Failures) == 0,
		Processed: summary.Processed,
		Applied:   summary.Applied,
		Failed:    len(summary.Failures),
		Results:   summary.Results,
	}
	if resp.Results == nil {
		resp.Results = []scheduler.RowResult{}
	}
	switch {
	case summary.Processed == 0:
		resp.Message = "no pending changes"
	case resp.Failed == 0:
		resp.Message = fmt.Sprintf("applied %d pending changes", resp.Applied)
	default:
		resp.Message = fmt.Sprintf("applied %d of %d pending changes", resp.Applied, resp.Processed)
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// ReprocessBillingEvents retries failed billing events.
func (h *CronHandler) ReprocessBillingEvents(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reprocessor.ReprocessFailed(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := ReprocessResponse{
		Success:   len(summary.Failures) == 0,
		Processed: summary.Processed,
		Succeeded: summary.Succeeded,
		Failed:    len(summary.Failures),
		Results:   summary.Results,
	}
	if resp.Results == nil {
		resp.Results = []scheduler.ReprocessResult{}
	}
	if summary.Processed == 0 {
		resp.Message = "no failed billing events"
	} else {
		resp.Message = fmt.Sprintf("reprocessed %d of %d billing events", resp.Succeeded, resp.Processed)
	}
	core.JSON(w, r, http.StatusOK, resp)
}
