package external

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"seatsync/internal/types"
)

// newTestClient creates a BaseClient with its own breaker per test.
func newTestClient(t *testing.T) *BaseClient {
	t.Helper()
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker-"+t.Name(),
		DefaultBreakerSettings(),
		"seatsync-test/1.0",
	)
}

func get(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t).Do(get(t, context.Background(), server.URL+"/test"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_SetsTraceAndUserAgentHeaders(t *testing.T) {
	var traceID, ua string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = r.Header.Get("X-B3-TraceId")
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := types.WithRequestID(context.Background(), "trace-abc-123")
	resp, err := newTestClient(t).Do(get(t, ctx, server.URL))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if traceID != "trace-abc-123" {
		t.Errorf("expected trace ID 'trace-abc-123', got '%s'", traceID)
	}
	if ua != "seatsync-test/1.0" {
		t.Errorf("expected user agent 'seatsync-test/1.0', got '%s'", ua)
	}
}

func TestDo_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader("quantity=5"))
	_, err := newTestClient(t).Do(req)

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if appErr.Message != "billing provider returned 503" {
		t.Errorf("unexpected message: %s", appErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestDo_RateLimitedMapsToUpstreamUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t).Do(get(t, context.Background(), server.URL))

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if !strings.Contains(appErr.Message, "rate limit") {
		t.Errorf("unexpected message: %s", appErr.Message)
	}
}

func TestDo_4xxPassedThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t)
	for i := 0; i < 10; i++ {
		resp, err := client.Do(get(t, context.Background(), server.URL))
		if err != nil {
			t.Fatalf("expected 4xx to pass through, got: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	}
	// Rejections are answers, not outages.
	if got := client.BreakerState(); got != "closed" {
		t.Errorf("expected breaker closed after 4xx responses, got %s", got)
	}
}

func TestDo_NetworkErrorMapsToAppError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(t).Do(get(t, context.Background(), url))

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if appErr.Message != "billing provider request failed" {
		t.Errorf("unexpected message: %s", appErr.Message)
	}
}

func TestDo_TimeoutMapsToUpstreamUnavailable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t).Do(get(t, ctx, server.URL))

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if appErr.Message != "billing provider request timed out" {
		t.Errorf("unexpected message: %s", appErr.Message)
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "test-open",
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	client := NewBaseClientWithBreaker(&http.Client{}, breaker, "")

	for i := 0; i < 2; i++ {
		client.Do(get(t, context.Background(), server.URL))
	}

	_, err := client.Do(get(t, context.Background(), server.URL))
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got: %v", err)
	}
	if !strings.Contains(appErr.Message, "circuit breaker") {
		t.Errorf("expected breaker message, got: %s", appErr.Message)
	}
	if calls.Load() != 2 {
		t.Errorf("expected the open breaker to short-circuit, server saw %d calls", calls.Load())
	}
}

func TestNewBaseClient_LogsBreakerTransitions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	client := NewBaseClient(&http.Client{}, "test-transitions", BreakerSettings{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
	}, "", WithLogger(logger))

	client.Do(get(t, context.Background(), server.URL))

	if got := client.BreakerState(); got != "open" {
		t.Fatalf("expected breaker open after one failure, got %s", got)
	}
	out := buf.String()
	if !strings.Contains(out, "circuit breaker state changed") || !strings.Contains(out, "to=open") {
		t.Errorf("expected transition log line, got: %s", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("expected opening to log at WARN, got: %s", out)
	}
}
