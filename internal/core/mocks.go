package core

import (
	"context"
	"sync"
	"time"

	"seatsync/internal/types"
)

// --- MockAuthenticator ---

// MockAuthenticator implements Authenticator for tests. ResolveTokenFunc,
// when set, takes precedence over Err and Actor.
//
//	mock := &MockAuthenticator{
//	    Actor: &types.Actor{ID: "key_1", Type: types.ActorTypeAPIKey, OrganizationID: "org_1"},
//	}
type MockAuthenticator struct {
	Actor            *types.Actor
	Err              error
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

// ResolveToken records the token and returns the configured outcome.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// --- MockIdempotencyStore ---

// MockIdempotencyStore is an in-memory IdempotencyStore with the same
// take-over-on-failure semantics as the Postgres repository. GetErr and
// CreateErr inject store failures.
type MockIdempotencyStore struct {
	GetErr    error
	CreateErr error

	mu      sync.Mutex
	records map[string]*types.IdempotencyRecord
}

// NewMockIdempotencyStore returns an empty store.
func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{records: make(map[string]*types.IdempotencyRecord)}
}

func idempotencyMapKey(key, orgID string) string { return orgID + "/" + key }

// Get returns a copy of the stored record, or nil.
func (m *MockIdempotencyStore) Get(_ context.Context, key, orgID string) (*types.IdempotencyRecord, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[idempotencyMapKey(key, orgID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Create claims the key unless it exists in a non-failed state.
func (m *MockIdempotencyStore) Create(_ context.Context, key, orgID, path string) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idempotencyMapKey(key, orgID)
	if rec, ok := m.records[k]; ok && rec.Status != types.IdempotencyStatusFailed {
		return types.NewAppError(types.ErrCodeConflictIdempotency, "idempotency key is already in use", nil)
	}
	m.records[k] = &types.IdempotencyRecord{
		Key:            key,
		OrganizationID: orgID,
		Path:           path,
		Status:         types.IdempotencyStatusProcessing,
		CreatedAt:      time.Now().UTC(),
	}
	return nil
}

// Complete stores the response for replay.
func (m *MockIdempotencyStore) Complete(_ context.Context, key, orgID string, code int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[idempotencyMapKey(key, orgID)]; ok {
		rec.Status = types.IdempotencyStatusCompleted
		rec.ResponseCode = code
		rec.ResponseBody = append([]byte(nil), body...)
	}
	return nil
}

// Fail releases the key.
func (m *MockIdempotencyStore) Fail(_ context.Context, key, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[idempotencyMapKey(key, orgID)]; ok {
		rec.Status = types.IdempotencyStatusFailed
	}
	return nil
}

// Status returns the stored status of key, or "" when absent.
func (m *MockIdempotencyStore) Status(key, orgID string) types.IdempotencyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[idempotencyMapKey(key, orgID)]; ok {
		return rec.Status
	}
	return ""
}

// --- MockMetricsCollector ---

// RequestMetric is one recorded RecordRequest call.
type RequestMetric struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu       sync.Mutex
	Requests []RequestMetric
}

// RecordRequest appends the call.
func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RequestMetric{Method: method, Endpoint: endpoint, Status: status, Duration: duration})
}

var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ IdempotencyStore = (*MockIdempotencyStore)(nil)
	_ MetricsCollector = (*MockMetricsCollector)(nil)
)
