package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"seatsync/internal/types"
)

// memStore is an in-memory SubscriptionStore with version CAS semantics.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]*types.Subscription
	writes int

	// beforeCAS runs before each CompareAndSwap, outside the lock; tests use
	// it to interleave a competing write.
	beforeCAS func()
	casErr    error
}

func newMemStore(subs ...*types.Subscription) *memStore {
	s := &memStore{rows: make(map[string]*types.Subscription)}
	for _, sub := range subs {
		s.rows[sub.ID] = sub.Clone()
	}
	return s
}

func (s *memStore) get(id string) *types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Clone()
}

func (s *memStore) GetByID(_ context.Context, id string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return sub.Clone(), nil
}

func (s *memStore) GetLiveByOrganization(_ context.Context, orgID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.rows {
		if sub.OrganizationID == orgID && sub.Status.IsLive() {
			return sub.Clone(), nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (s *memStore) GetByExternalID(_ context.Context, provider, externalID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.rows {
		if sub.Provider == provider && sub.ExternalSubscriptionID == externalID {
			return sub.Clone(), nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (s *memStore) Create(_ context.Context, sub *types.Subscription, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.Status.IsLive() {
		for _, other := range s.rows {
			if other.OrganizationID == sub.OrganizationID && other.Status.IsLive() {
				return types.NewAppError(types.ErrCodeConflictLiveExists, "organization already has a live subscription", nil)
			}
		}
	}
	if sub.ID == "" {
		sub.ID = fmt.Sprintf("sub_%d", len(s.rows)+1)
	}
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.rows[sub.ID] = sub.Clone()
	s.writes++
	return nil
}

func (s *memStore) CompareAndSwap(_ context.Context, sub *types.Subscription, expectedVersion int64, now time.Time) error {
	if s.beforeCAS != nil {
		s.beforeCAS()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casErr != nil {
		return s.casErr
	}
	if err := sub.Validate(); err != nil {
		return types.NewAppError(types.ErrCodeValidationFailed, err.Error(), nil)
	}
	cur, ok := s.rows[sub.ID]
	if !ok || cur.Version != expectedVersion {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription was modified concurrently", nil)
	}
	sub.Version = expectedVersion + 1
	sub.UpdatedAt = now
	s.rows[sub.ID] = sub.Clone()
	s.writes++
	return nil
}

// fakeProvider records calls and returns the configured errors.
type fakeProvider struct {
	mu        sync.Mutex
	updates   []providerUpdate
	usage     []providerUsage
	updateErr error
	usageErr  error
	snapshot  *types.ProviderSubscription
	summaries []types.UsageSummary
	onUpdate  func()
}

type providerUpdate struct {
	SubscriptionID string
	ItemID         string
	Quantity       int
	Opts           types.UpdateQuantityOptions
}

type providerUsage struct {
	ItemID   string
	Quantity int
	At       time.Time
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*types.ProviderSubscription, error) {
	if p.snapshot == nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "no such subscription", nil)
	}
	c := *p.snapshot
	return &c, nil
}

func (p *fakeProvider) UpdateSubscriptionQuantity(_ context.Context, subID, itemID string, quantity int, opts types.UpdateQuantityOptions) (*types.ProviderSubscription, error) {
	if p.onUpdate != nil {
		p.onUpdate()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	p.updates = append(p.updates, providerUpdate{subID, itemID, quantity, opts})
	q := quantity
	return &types.ProviderSubscription{ID: subID, ItemID: itemID, Quantity: &q}, nil
}

func (p *fakeProvider) CreateUsageRecord(_ context.Context, itemID string, quantity int, at time.Time) (*types.UsageRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usageErr != nil {
		return nil, p.usageErr
	}
	p.usage = append(p.usage, providerUsage{itemID, quantity, at})
	return &types.UsageRecord{ID: "mbur_1", SubscriptionItemID: itemID, Quantity: quantity, Timestamp: at}, nil
}

func (p *fakeProvider) GetCurrentUsage(_ context.Context, _ string) (*types.UsageSummary, error) {
	if len(p.summaries) == 0 {
		return nil, nil
	}
	c := p.summaries[0]
	return &c, nil
}

func (p *fakeProvider) ListUsageRecords(_ context.Context, _ string) ([]types.UsageSummary, error) {
	return p.summaries, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates) + len(p.usage)
}

// recordingPublisher captures published messages.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []types.SeatChangeMessage
	err  error
}

func (r *recordingPublisher) PublishSeatChange(_ context.Context, msg types.SeatChangeMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

// recordingMetrics counts emitted metrics by name and outcome.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) RecordSeatChange(_ context.Context, _ types.BillingType, outcome string) {
	m.inc("seat_change:" + outcome)
}

func (m *recordingMetrics) RecordWebhookOutcome(_ context.Context, _ string, _ types.BillingEventType, outcome string) {
	m.inc("webhook:" + outcome)
}

func (m *recordingMetrics) RecordPaymentFailed(context.Context, string) {
	m.inc("payment_failed")
}

func (m *recordingMetrics) RecordLegacyClassification(context.Context, string) {
	m.inc("legacy")
}

// memLedger is an in-memory BillingEventStore.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]*types.BillingEvent
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*types.BillingEvent)}
}

func ledgerKey(provider, id string) string { return provider + "/" + id }

func (l *memLedger) row(provider, id string) *types.BillingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.rows[ledgerKey(provider, id)]
	if !ok {
		return nil
	}
	c := *ev
	return &c
}

func (l *memLedger) GetByExternalID(_ context.Context, provider, id string) (*types.BillingEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.rows[ledgerKey(provider, id)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundBillingEvent, "billing event not found", nil)
	}
	c := *ev
	return &c, nil
}

func (l *memLedger) Insert(_ context.Context, ev *types.BillingEvent, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(ev.Provider, ev.ExternalEventID)
	if _, ok := l.rows[key]; ok {
		return false, nil
	}
	if ev.ID == "" {
		ev.ID = "bevt_" + ev.ExternalEventID
	}
	ev.ReceivedAt = now
	ev.ClaimedAt = &now
	ev.Attempts = 1
	c := *ev
	l.rows[key] = &c
	return true, nil
}

func (l *memLedger) Claim(_ context.Context, provider, id string, now, staleBefore time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.rows[ledgerKey(provider, id)]
	if !ok || ev.ProcessedAt != nil {
		return false, nil
	}
	if ev.ClaimedAt != nil && !ev.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	ev.ClaimedAt = &now
	ev.Attempts++
	return true, nil
}

func (l *memLedger) byID(id string) *types.BillingEvent {
	for _, ev := range l.rows {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (l *memLedger) MarkProcessed(_ context.Context, id string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := l.byID(id)
	if ev == nil || ev.ProcessedAt != nil {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "billing event already processed", nil)
	}
	ev.ProcessedAt = &now
	ev.ClaimedAt = nil
	ev.ErrorDetail = nil
	return nil
}

func (l *memLedger) MarkFailed(_ context.Context, id string, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev := l.byID(id); ev != nil && ev.ProcessedAt == nil {
		ev.ErrorDetail = &detail
		ev.ClaimedAt = nil
	}
	return nil
}

func (l *memLedger) ListFailed(_ context.Context, staleBefore time.Time, limit int) ([]*types.BillingEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*types.BillingEvent
	for _, ev := range l.rows {
		if ev.ProcessedAt != nil {
			continue
		}
		if ev.ErrorDetail != nil || ev.ClaimedAt == nil || ev.ClaimedAt.Before(staleBefore) {
			c := *ev
			out = append(out, &c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
