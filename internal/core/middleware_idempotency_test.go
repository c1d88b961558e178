package core

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"seatsync/internal/types"
)

// countingHandler responds with status and counts invocations.
type countingHandler struct {
	calls      int
	status     int
	retryAfter bool
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	if h.retryAfter {
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, r, h.status, map[string]int{"call": h.calls})
}

func idempotentRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/billing/update-subscription-quantity", nil)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	ctx := types.WithActor(req.Context(), types.Actor{ID: "key_1", Type: types.ActorTypeAPIKey, OrganizationID: "org_1"})
	return req.WithContext(ctx)
}

func TestIdempotencyMiddleware_ReplaysCompletedResponse(t *testing.T) {
	srv := newTestServer(t)
	store := NewMockIdempotencyStore()
	srv.IdempotencyStore = store
	inner := &countingHandler{status: http.StatusOK}
	h := srv.IdempotencyMiddleware(inner)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("idem-1"))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("idem-1"))

	if inner.calls != 1 {
		t.Fatalf("handler should run once, ran %d times", inner.calls)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %s, want %s", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("X-Idempotent-Replayed") != "true" {
		t.Error("replay header missing")
	}
	if store.Status("idem-1", "org_1") != types.IdempotencyStatusCompleted {
		t.Errorf("status = %s", store.Status("idem-1", "org_1"))
	}
}

func TestIdempotencyMiddleware_ClientErrorsAreStored(t *testing.T) {
	srv := newTestServer(t)
	srv.IdempotencyStore = NewMockIdempotencyStore()
	inner := &countingHandler{status: http.StatusBadRequest}
	h := srv.IdempotencyMiddleware(inner)

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("idem-400"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, idempotentRequest("idem-400"))

	if inner.calls != 1 || rec.Code != http.StatusBadRequest {
		t.Errorf("calls=%d code=%d", inner.calls, rec.Code)
	}
}

func TestIdempotencyMiddleware_RetryableResponsesReleaseKey(t *testing.T) {
	tests := []struct {
		name    string
		handler *countingHandler
	}{
		{"server error", &countingHandler{status: http.StatusServiceUnavailable}},
		{"retryable conflict", &countingHandler{status: http.StatusConflict, retryAfter: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			store := NewMockIdempotencyStore()
			srv.IdempotencyStore = store
			h := srv.IdempotencyMiddleware(tt.handler)

			h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("idem-r"))
			if store.Status("idem-r", "org_1") != types.IdempotencyStatusFailed {
				t.Fatalf("status = %s, want failed", store.Status("idem-r", "org_1"))
			}
			h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("idem-r"))
			if tt.handler.calls != 2 {
				t.Errorf("expected retry to run handler again, calls=%d", tt.handler.calls)
			}
		})
	}
}

func TestIdempotencyMiddleware_InFlightKeyConflicts(t *testing.T) {
	srv := newTestServer(t)
	store := NewMockIdempotencyStore()
	srv.IdempotencyStore = store
	if err := store.Create(idempotentRequest("").Context(), "idem-busy", "org_1", "/x"); err != nil {
		t.Fatal(err)
	}
	inner := &countingHandler{status: http.StatusOK}

	rec := httptest.NewRecorder()
	srv.IdempotencyMiddleware(inner).ServeHTTP(rec, idempotentRequest("idem-busy"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(types.ErrCodeConflictIdempotency) {
		t.Errorf("code = %s", code)
	}
	if inner.calls != 0 {
		t.Error("handler must not run")
	}
}

func TestIdempotencyMiddleware_PassThrough(t *testing.T) {
	tests := []struct {
		name  string
		req   func() *http.Request
		store *MockIdempotencyStore
	}{
		{"no key", func() *http.Request { return idempotentRequest("") }, NewMockIdempotencyStore()},
		{"GET request", func() *http.Request {
			r := idempotentRequest("idem-get")
			r.Method = http.MethodGet
			return r
		}, NewMockIdempotencyStore()},
		{"no org", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/billing/sync", nil)
			r.Header.Set("Idempotency-Key", "idem-anon")
			return r
		}, NewMockIdempotencyStore()},
		{"store get failure fails open", func() *http.Request { return idempotentRequest("idem-err") },
			&MockIdempotencyStore{GetErr: errors.New("db down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.IdempotencyStore = tt.store
			inner := &countingHandler{status: http.StatusOK}
			h := srv.IdempotencyMiddleware(inner)

			h.ServeHTTP(httptest.NewRecorder(), tt.req())
			h.ServeHTTP(httptest.NewRecorder(), tt.req())
			if inner.calls != 2 {
				t.Errorf("expected handler to run twice, ran %d", inner.calls)
			}
		})
	}
}
