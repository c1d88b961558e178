package handlers

// This file implements the billing provider webhook endpoint.
//
// The route is NOT behind API key auth; it is called directly by the
// provider. Authenticity is established by the provider signature, which the
// Ingestor checks before anything is recorded.

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"seatsync/internal/billing"
	"seatsync/internal/core"
	"seatsync/internal/types"
)

// defaultWebhookBodyLimit caps a delivery when no limit is configured.
const defaultWebhookBodyLimit = 64 << 10

// signatureHeaders names the header carrying each provider's signature.
var signatureHeaders = map[string]string{
	"stripe": "Stripe-Signature",
}

// WebhookIngestor is implemented by billing.Ingestor.
type WebhookIngestor interface {
	Ingest(ctx context.Context, provider string, payload []byte, signatureHeader string) (*billing.IngestResult, error)
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Received bool                  `json:"received"`
	EventID  string                `json:"event_id,omitempty"`
	Outcome  billing.IngestOutcome `json:"outcome"`
}

// WebhookHandler receives provider webhook deliveries.
type WebhookHandler struct {
	ingestor     WebhookIngestor
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. maxBodyBytes <= 0 uses 64 KB.
func NewWebhookHandler(ingestor WebhookIngestor, maxBodyBytes int64, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultWebhookBodyLimit
	}
	return &WebhookHandler{ingestor: ingestor, maxBodyBytes: maxBodyBytes, logger: logger}
}

// RegisterRoutes mounts POST /{provider}.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{provider}", h.Handle)
}

// Handle processes one delivery.
//
// A verified delivery is acknowledged with 200 even when dispatch failed: the
// failure is recorded on the ledger and retried by the reprocessor, so a
// provider redelivery would add nothing. Signature failures are 401, malformed
// payloads 400 and unknown providers 404.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"provider", provider,
			"error", err,
		)
		msg := "failed to read request body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "webhook payload is too large"
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, msg, err))
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), provider, payload, r.Header.Get(signatureHeaders[provider]))
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook rejected",
			"provider", provider,
			"code", string(types.CodeOf(err)),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	if result.Outcome == billing.IngestFailed {
		h.logger.ErrorContext(r.Context(), "webhook dispatch failed",
			"provider", provider,
			"event_id", result.EventID,
			"event_type", string(result.EventType),
			"error", result.Error,
		)
	}

	core.JSON(w, r, http.StatusOK, WebhookResponse{
		Received: true,
		EventID:  result.EventID,
		Outcome:  result.Outcome,
	})
}
