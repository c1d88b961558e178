package external

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"seatsync/internal/types"
)

// Stripe event type constants prevent magic strings in the decoder.
const (
	EventStripeSubCreated        = "customer.subscription.created"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubPaused         = "customer.subscription.paused"
	EventStripeSubResumed        = "customer.subscription.resumed"
	EventStripeSubDeleted        = "customer.subscription.deleted"
	EventStripeInvoicePaid       = "invoice.paid"
	EventStripePaymentSucceeded  = "invoice.payment_succeeded"
	EventStripeInvoicePayFailure = "invoice.payment_failed"
)

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier checks Stripe webhook signatures (HMAC-SHA256 with a
// timestamp tolerance) using stripe-go's webhook package.
type StripeVerifier struct{}

// Verify validates a webhook payload against the Stripe-Signature header and
// signing secret. Returns nil on success.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// StripeWebhookSource binds the verifier to the endpoint secret and decodes
// verified payloads into provider-independent events.
type StripeWebhookSource struct {
	verifier *StripeVerifier
	secret   string
}

// NewStripeWebhookSource creates a source for the given endpoint secret.
func NewStripeWebhookSource(secret string) *StripeWebhookSource {
	return &StripeWebhookSource{verifier: &StripeVerifier{}, secret: secret}
}

// Verify returns ErrCodeAuthSignatureInvalid unless header is a valid
// signature of payload.
func (s *StripeWebhookSource) Verify(payload []byte, header string) error {
	if s.secret == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signing secret is not configured", nil)
	}
	if header == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing Stripe-Signature header", nil)
	}
	if err := s.verifier.Verify(payload, header, s.secret); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "invalid webhook signature", err)
	}
	return nil
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeInvoiceRef struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// Decode parses a verified Stripe event. Malformed payloads yield
// ErrCodeValidationInvalidPayload.
func (s *StripeWebhookSource) Decode(payload []byte) (*types.ProviderEvent, error) {
	var ev stripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "webhook payload is not valid JSON", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "webhook payload is missing id or type", nil)
	}

	out := &types.ProviderEvent{
		ID:           ev.ID,
		ProviderType: ev.Type,
		OccurredAt:   time.Unix(ev.Created, 0).UTC(),
		Raw:          payload,
	}

	switch ev.Type {
	case EventStripeSubCreated, EventStripeSubUpdated, EventStripeSubPaused,
		EventStripeSubResumed, EventStripeSubDeleted:
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil || sub.ID == "" {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
				fmt.Sprintf("%s event carries no subscription object", ev.Type), err)
		}
		out.Subscription = mapStripeSubscription(&sub)
		out.Type = subscriptionEventType(ev.Type, out.Subscription.Status)

	case EventStripeInvoicePaid, EventStripePaymentSucceeded, EventStripeInvoicePayFailure:
		out.Type = types.BillingEventPaymentSucceeded
		if ev.Type == EventStripeInvoicePayFailure {
			out.Type = types.BillingEventPaymentFailed
		}
		var inv stripeInvoiceRef
		if err := json.Unmarshal(ev.Data.Object, &inv); err == nil {
			subID := inv.Subscription
			if subID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
				subID = inv.Parent.SubscriptionDetails.Subscription
			}
			if subID != "" {
				out.Subscription = &types.ProviderSubscription{ID: subID, ProviderName: ProviderStripe}
			}
		}

	default:
		out.Type = types.BillingEventUnknown
	}

	return out, nil
}

func subscriptionEventType(stripeType string, status types.SubscriptionStatus) types.BillingEventType {
	switch stripeType {
	case EventStripeSubCreated:
		return types.BillingEventSubscriptionCreated
	case EventStripeSubDeleted:
		if status == types.SubscriptionStatusExpired {
			return types.BillingEventSubscriptionExpired
		}
		return types.BillingEventSubscriptionCancelled
	default:
		return types.BillingEventSubscriptionUpdated
	}
}
