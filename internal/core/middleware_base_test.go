package core

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRecoverer_ConvertsPanicTo500(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "internal_unexpected_error" {
		t.Errorf("code = %s", code)
	}
}

func TestRequestLogger_RedactsHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestLogger(logger, []string{"authorization", "Stripe-Signature"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("Authorization", "Bearer sk_live_secret")
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	req.Header.Set("X-Trace", "visible")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "sk_live_secret") || strings.Contains(out, "v1=abc") {
		t.Errorf("secret header leaked into log: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("non-redacted header missing: %s", out)
	}
	if !strings.Contains(out, `"status":202`) {
		t.Errorf("status missing: %s", out)
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	metrics := &MockMetricsCollector{}
	srv.Metrics = metrics

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Post("/webhooks/{provider}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))

	if len(metrics.Requests) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(metrics.Requests))
	}
	got := metrics.Requests[0]
	if got.Endpoint != "/webhooks/{provider}" || got.Status != "401" || got.Method != http.MethodPost {
		t.Errorf("unexpected metric %+v", got)
	}
}

func TestMetricsMiddleware_NilCollectorPassesThrough(t *testing.T) {
	srv := newTestServer(t)
	called := false
	srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler not called")
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://admin.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/billing/seats", nil)
		req.Header.Set("Origin", "https://admin.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://admin.example.com" {
			t.Error("origin not echoed")
		}
		if rec.Header().Get("Vary") != "Origin" {
			t.Error("Vary: Origin missing")
		}
	})

	t.Run("unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/billing/seats", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unknown origin must not be allowed")
		}
		if rec.Code != http.StatusOK {
			t.Errorf("expected request to continue, got %d", rec.Code)
		}
	})
}

func TestEscapeJSON(t *testing.T) {
	if got := escapeJSON("a\"b\\c\n"); got != `a\"b\\c\n` {
		t.Errorf("escapeJSON = %s", got)
	}
}
