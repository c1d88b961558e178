package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"seatsync/internal/types"
)

// defaultRequestTimeout is the soft timeout applied to request contexts when
// the configuration does not set REQUEST_TIMEOUT.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Stripe-Signature",
	"Cookie",
}

// Routes groups the domain route registrars. Each registrar receives a router
// already scoped to its prefix and middleware; nil registrars are skipped.
// The indirection keeps core free of handler imports.
type Routes struct {
	// Billing is mounted under /billing behind API key auth and idempotency.
	Billing func(r chi.Router)
	// Webhooks is mounted under /webhooks. Requests authenticate by signature.
	Webhooks func(r chi.Router)
	// Cron is mounted under /cron behind the cron bearer secret.
	Cron func(r chi.Router)
}

// MountRoutes defines the routing hierarchy.
func (s *Server) MountRoutes(routes Routes) {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)

	if routes.Billing != nil {
		s.router.Route("/billing", func(r chi.Router) {
			r.Use(s.AuthMiddleware)
			r.Use(s.IdempotencyMiddleware)
			routes.Billing(r)
		})
	}
	if routes.Webhooks != nil {
		s.router.Route("/webhooks", routes.Webhooks)
	}
	if routes.Cron != nil {
		s.router.Route("/cron", func(r chi.Router) {
			r.Use(s.CronSecretMiddleware)
			routes.Cron(r)
		})
	}
}

// registerGlobalMiddleware applies middleware in strict order.
//
//  1. Recoverer       - outermost; catches panics anywhere below.
//  2. ContextTimeout  - soft deadline for the whole request.
//  3. RequestID       - correlation ID for logs and error bodies.
//  4. SecurityHeaders
//  5. RequestLogger   - structured logging with redacted headers.
//  6. CORS
//  7. Metrics         - latency and count per route pattern.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, s.redactedHeaders()))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) redactedHeaders() []string {
	if s.Config != nil && len(s.Config.Observability.RedactedHeaders) > 0 {
		return s.Config.Observability.RedactedHeaders
	}
	return defaultRedactedHeaders
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
// Downstream provider and store calls observe it through ctx.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an incoming X-Request-Id header or generates a
// new ID, stores it via types.WithRequestID and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID returns 16 random bytes hex-encoded.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
