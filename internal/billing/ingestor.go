package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seatsync/internal/types"
)

// IngestOutcome is the result of handling one webhook delivery.
type IngestOutcome string

const (
	// IngestProcessed means the event was applied and marked processed.
	IngestProcessed IngestOutcome = "processed"
	// IngestDuplicate means the event was already processed.
	IngestDuplicate IngestOutcome = "duplicate"
	// IngestInProgress means another delivery of the event holds the claim.
	IngestInProgress IngestOutcome = "in_progress"
	// IngestStale means the event predates the provider state already applied
	// to the row and was skipped.
	IngestStale IngestOutcome = "stale"
	// IngestIgnored means the event needs no mutation.
	IngestIgnored IngestOutcome = "ignored"
	// IngestFailed means dispatch failed; the error is recorded on the ledger.
	IngestFailed IngestOutcome = "failed"
)

// maxSnapshotAttempts bounds the re-read/retry loop on CAS conflicts.
const maxSnapshotAttempts = 3

// IngestResult describes what happened to a webhook event.
type IngestResult struct {
	EventID        string                 `json:"event_id"`
	EventType      types.BillingEventType `json:"event_type"`
	Outcome        IngestOutcome          `json:"outcome"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// IngestorConfig holds the Ingestor's tunables.
type IngestorConfig struct {
	// ClaimTTL is how long a delivery may hold an event before another
	// delivery or the reprocessor may take it over.
	ClaimTTL time.Duration
}

// Ingestor reconciles subscriptions to provider webhooks. It is safe for
// concurrent use; all state lives in the stores.
type Ingestor struct {
	sources    map[string]EventSource
	events     BillingEventStore
	subs       SubscriptionStore
	classifier VariantClassifier
	publisher  SeatEventPublisher
	metrics    Metrics
	clock      types.Clock
	cfg        IngestorConfig
	logger     *slog.Logger
}

// NewIngestor creates an Ingestor. sources maps the provider name in the
// webhook path to its verifier/decoder.
func NewIngestor(
	sources map[string]EventSource,
	events BillingEventStore,
	subs SubscriptionStore,
	classifier VariantClassifier,
	publisher SeatEventPublisher,
	metrics Metrics,
	clock types.Clock,
	cfg IngestorConfig,
	logger *slog.Logger,
) *Ingestor {
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
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	return &Ingestor{
		sources:    sources,
		events:     events,
		subs:       subs,
		classifier: classifier,
		publisher:  publisher,
		metrics:    metrics,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Ingest verifies, records and applies a webhook delivery.
//
// Errors are returned only when nothing could be recorded (unknown
// provider, bad signature, malformed payload) or the ledger itself failed.
// A dispatch failure is recorded on the ledger row and reported as
// IngestFailed with a nil error.
func (i *Ingestor) Ingest(ctx context.Context, provider string, payload []byte, signatureHeader string) (*IngestResult, error) {
	source, ok := i.sources[provider]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundProvider,
			fmt.Sprintf("unknown billing provider %q", provider), nil)
	}
	if err := source.Verify(payload, signatureHeader); err != nil {
		i.logger.WarnContext(ctx, "webhook signature rejected", "provider", provider, "error", err)
		return nil, err
	}
	ev, err := source.Decode(payload)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{EventID: ev.ID, EventType: ev.Type}
	now := i.clock.Now()

	existing, err := i.lookup(ctx, provider, ev.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Processed() {
		result.Outcome = IngestDuplicate
		i.finish(ctx, provider, result)
		return result, nil
	}

	row := &types.BillingEvent{
		Provider:        provider,
		ExternalEventID: ev.ID,
		EventType:       ev.ProviderType,
		Payload:         payload,
	}
	inserted, err := i.events.Insert(ctx, row, now)
	if err != nil {
		return nil, err
	}
	if !inserted {
		claimed, err := i.events.Claim(ctx, provider, ev.ID, now, now.Add(-i.cfg.ClaimTTL))
		if err != nil {
			return nil, err
		}
		current, err := i.lookup(ctx, provider, ev.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"billing event vanished after insert conflict", nil)
		}
		if !claimed {
			result.Outcome = IngestInProgress
			if current.Processed() {
				result.Outcome = IngestDuplicate
			}
			i.finish(ctx, provider, result)
			return result, nil
		}
		row = current
	}

	if err := i.process(ctx, provider, row, ev, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Reprocess re-runs dispatch for a stored event. The signature is not
// checked again; it was verified at receipt.
func (i *Ingestor) Reprocess(ctx context.Context, provider, externalEventID string) (*IngestResult, error) {
	source, ok := i.sources[provider]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundProvider,
			fmt.Sprintf("unknown billing provider %q", provider), nil)
	}

	row, err := i.events.GetByExternalID(ctx, provider, externalEventID)
	if err != nil {
		return nil, err
	}
	result := &IngestResult{EventID: externalEventID}
	if row.Processed() {
		result.Outcome = IngestDuplicate
		return result, nil
	}

	now := i.clock.Now()
	claimed, err := i.events.Claim(ctx, provider, externalEventID, now, now.Add(-i.cfg.ClaimTTL))
	if err != nil {
		return nil, err
	}
	if !claimed {
		result.Outcome = IngestInProgress
		return result, nil
	}

	ev, err := source.Decode(row.Payload)
	if err != nil {
		// The payload decoded at receipt; a failure now is permanent.
		result.Outcome = IngestFailed
		result.Error = err.Error()
		if markErr := i.events.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			return nil, markErr
		}
		return result, nil
	}
	result.EventType = ev.Type

	if err := i.process(ctx, provider, row, ev, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListFailed returns ledger rows awaiting a retry.
func (i *Ingestor) ListFailed(ctx context.Context, limit int) ([]*types.BillingEvent, error) {
	return i.events.ListFailed(ctx, i.clock.Now().Add(-i.cfg.ClaimTTL), limit)
}

// process dispatches a claimed event and finalizes its ledger row.
func (i *Ingestor) process(ctx context.Context, provider string, row *types.BillingEvent, ev *types.ProviderEvent, result *IngestResult) error {
	outcome, subID, err := i.dispatch(ctx, provider, ev)
	result.SubscriptionID = subID

	if err != nil {
		result.Outcome = IngestFailed
		result.Error = err.Error()
		i.logger.ErrorContext(ctx, "billing event dispatch failed",
			"provider", provider,
			"event_id", ev.ID,
			"event_type", string(ev.Type),
			"error", err,
		)
		if markErr := i.events.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			return markErr
		}
		i.finish(ctx, provider, result)
		return nil
	}

	if err := i.events.MarkProcessed(ctx, row.ID, i.clock.Now()); err != nil {
		return err
	}
	result.Outcome = outcome
	i.finish(ctx, provider, result)
	return nil
}

func (i *Ingestor) finish(ctx context.Context, provider string, result *IngestResult) {
	i.metrics.RecordWebhookOutcome(ctx, provider, result.EventType, string(result.Outcome))
	i.logger.InfoContext(ctx, "billing event handled",
		"provider", provider,
		"event_id", result.EventID,
		"event_type", string(result.EventType),
		"outcome", string(result.Outcome),
		"subscription_id", result.SubscriptionID,
	)
}

// lookup returns nil without error when the event is not in the ledger.
func (i *Ingestor) lookup(ctx context.Context, provider, externalEventID string) (*types.BillingEvent, error) {
	row, err := i.events.GetByExternalID(ctx, provider, externalEventID)
	if types.IsCode(err, types.ErrCodeNotFoundBillingEvent) {
		return nil, nil
	}
	return row, err
}

func (i *Ingestor) dispatch(ctx context.Context, provider string, ev *types.ProviderEvent) (IngestOutcome, string, error) {
	switch ev.Type {
	case types.BillingEventSubscriptionCreated, types.BillingEventSubscriptionUpdated:
		return i.applySubscriptionSnapshot(ctx, provider, ev)

	case types.BillingEventSubscriptionCancelled, types.BillingEventSubscriptionExpired:
		return i.applyTermination(ctx, provider, ev)

	case types.BillingEventPaymentSucceeded, types.BillingEventPaymentFailed:
		subID := ""
		if ev.Subscription != nil {
			subID = ev.Subscription.ID
		}
		if ev.Type == types.BillingEventPaymentFailed {
			i.metrics.RecordPaymentFailed(ctx, provider)
			i.logger.WarnContext(ctx, "payment failed for subscription",
				"provider", provider,
				"event_id", ev.ID,
				"external_subscription_id", subID,
			)
		}
		return IngestProcessed, "", nil

	default:
		i.logger.InfoContext(ctx, "ignoring unhandled billing event",
			"provider", provider,
			"event_id", ev.ID,
			"provider_type", ev.ProviderType,
		)
		return IngestIgnored, "", nil
	}
}

// applySubscriptionSnapshot creates or updates the row for a
// subscription_created/updated event, retrying on CAS conflicts.
func (i *Ingestor) applySubscriptionSnapshot(ctx context.Context, provider string, ev *types.ProviderEvent) (IngestOutcome, string, error) {
	ps := ev.Subscription
	if ps == nil {
		return "", "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "event carries no subscription", nil)
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = i.clock.Now()
	}

	for attempt := 1; attempt <= maxSnapshotAttempts; attempt++ {
		existing, err := i.subs.GetByExternalID(ctx, provider, ps.ID)
		if types.IsCode(err, types.ErrCodeNotFoundSubscription) {
			return i.createFromSnapshot(ctx, provider, ps, occurredAt)
		}
		if err != nil {
			return "", "", err
		}

		if existing.StaleAt(occurredAt) {
			i.logger.InfoContext(ctx, "skipping stale subscription event",
				"event_id", ev.ID,
				"subscription_id", existing.ID,
				"occurred_at", occurredAt,
				"provider_event_at", *existing.ProviderEventAt,
			)
			return IngestStale, existing.ID, nil
		}

		updated := existing.Clone()
		if ps.VariantID != "" && ps.VariantID != existing.VariantID {
			bt, err := resolveBillingType(existing.BillingType, i.classify(ctx, ps.VariantID))
			if err != nil {
				return "", existing.ID, err
			}
			updated.BillingType = bt
			updated.VariantID = ps.VariantID
		}
		changed := applyProviderSnapshot(updated, ps)
		advanced := updated.AdvanceProviderEventAt(occurredAt)
		if !changed && !advanced && updated.VariantID == existing.VariantID {
			return IngestProcessed, existing.ID, nil
		}

		err = i.subs.CompareAndSwap(ctx, updated, existing.Version, i.clock.Now())
		if types.IsCode(err, types.ErrCodeConflictConcurrent) {
			i.logger.InfoContext(ctx, "subscription changed during webhook apply; retrying",
				"subscription_id", existing.ID,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return "", existing.ID, err
		}

		if updated.CurrentSeats != existing.CurrentSeats {
			i.publish(ctx, seatChangeMessage(updated, existing.CurrentSeats, types.SeatChangeSourceWebhook))
		}
		return IngestProcessed, existing.ID, nil
	}

	return "", "", types.NewAppError(types.ErrCodeConflictConcurrent,
		fmt.Sprintf("subscription %s kept changing; gave up after %d attempts", ps.ID, maxSnapshotAttempts), nil)
}

func (i *Ingestor) createFromSnapshot(ctx context.Context, provider string, ps *types.ProviderSubscription, occurredAt time.Time) (IngestOutcome, string, error) {
	if !ps.Status.IsLive() {
		i.logger.InfoContext(ctx, "ignoring snapshot of unknown non-live subscription",
			"external_subscription_id", ps.ID,
			"status", string(ps.Status),
		)
		return IngestIgnored, "", nil
	}
	if ps.OrganizationID == "" {
		return "", "", types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("subscription %s has no organization_id metadata", ps.ID), nil)
	}

	sub := newSubscriptionFromSnapshot(provider, ps, i.classify(ctx, ps.VariantID))
	sub.AdvanceProviderEventAt(occurredAt)
	if err := i.subs.Create(ctx, sub, i.clock.Now()); err != nil {
		return "", "", err
	}

	i.logger.InfoContext(ctx, "subscription created from webhook",
		"subscription_id", sub.ID,
		"org_id", sub.OrganizationID,
		"billing_type", string(sub.BillingType),
		"current_seats", sub.CurrentSeats,
	)
	i.publish(ctx, seatChangeMessage(sub, 0, types.SeatChangeSourceWebhook))
	return IngestProcessed, sub.ID, nil
}

// applyTermination records cancellation or expiry. It ignores staleness:
// terminal states win over any earlier snapshot.
func (i *Ingestor) applyTermination(ctx context.Context, provider string, ev *types.ProviderEvent) (IngestOutcome, string, error) {
	if ev.Subscription == nil {
		return "", "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "event carries no subscription", nil)
	}
	status := types.SubscriptionStatusCancelled
	if ev.Type == types.BillingEventSubscriptionExpired {
		status = types.SubscriptionStatusExpired
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = i.clock.Now()
	}

	for attempt := 1; attempt <= maxSnapshotAttempts; attempt++ {
		existing, err := i.subs.GetByExternalID(ctx, provider, ev.Subscription.ID)
		if types.IsCode(err, types.ErrCodeNotFoundSubscription) {
			return IngestIgnored, "", nil
		}
		if err != nil {
			return "", "", err
		}
		if existing.Status.IsTerminal() {
			return IngestProcessed, existing.ID, nil
		}

		updated := existing.Clone()
		updated.Status = status
		updated.ClearPending()
		updated.AdvanceProviderEventAt(occurredAt)

		err = i.subs.CompareAndSwap(ctx, updated, existing.Version, i.clock.Now())
		if types.IsCode(err, types.ErrCodeConflictConcurrent) {
			continue
		}
		if err != nil {
			return "", existing.ID, err
		}

		i.logger.InfoContext(ctx, "subscription terminated",
			"subscription_id", existing.ID,
			"org_id", existing.OrganizationID,
			"status", string(status),
		)
		i.publish(ctx, seatChangeMessage(updated, existing.CurrentSeats, types.SeatChangeSourceWebhook))
		return IngestProcessed, existing.ID, nil
	}

	return "", "", types.NewAppError(types.ErrCodeConflictConcurrent,
		fmt.Sprintf("subscription %s kept changing; gave up after %d attempts", ev.Subscription.ID, maxSnapshotAttempts), nil)
}

func (i *Ingestor) classify(ctx context.Context, variantID string) types.BillingType {
	bt := i.classifier.Classify(variantID)
	if bt == types.BillingTypeLegacy {
		i.metrics.RecordLegacyClassification(ctx, variantID)
		i.logger.WarnContext(ctx, "unrecognized plan variant; classifying as legacy",
			"variant_id", variantID,
		)
	}
	return bt
}

func (i *Ingestor) publish(ctx context.Context, msg types.SeatChangeMessage) {
	msg.TraceID = types.GetRequestID(ctx)
	if err := i.publisher.PublishSeatChange(ctx, msg); err != nil {
		i.logger.WarnContext(ctx, "failed to publish seat change",
			"subscription_id", msg.SubscriptionID,
			"error", err,
		)
	}
}
