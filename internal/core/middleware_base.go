package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"seatsync/internal/types"
)

// responseCapture records the status code written by downstream handlers
// while passing the response through.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer catches panics in the handler chain, logs the stack trace and
// writes a 500 error envelope. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.Logger.ErrorContext(r.Context(), "panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = writeJSON(w, APIErrorResponse{
					Error: ErrorDetail{
						Code:      string(types.ErrCodeInternalUnexpected),
						Message:   "an unexpected error occurred",
						RequestID: types.GetRequestID(r.Context()),
					},
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs method, path, status and duration of every request.
// Values of headers named in redactedHeaders (case-insensitive) are masked.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rc, r)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				args = append(args, slog.String("request_id", reqID))
			}
			if actor, ok := types.GetActor(r.Context()); ok && actor.OrganizationID != "" {
				args = append(args, slog.String("org_id", actor.OrganizationID))
			}

			headers := make([]any, 0, len(r.Header))
			for name, values := range r.Header {
				if _, redact := redactSet[strings.ToLower(name)]; redact {
					headers = append(headers, slog.String(name, "[REDACTED]"))
				} else {
					headers = append(headers, slog.String(name, strings.Join(values, ", ")))
				}
			}
			if len(headers) > 0 {
				args = append(args, slog.Group("headers", headers...))
			}

			switch {
			case rc.statusCode >= 500:
				logger.ErrorContext(r.Context(), "request completed", args...)
			case rc.statusCode >= 400:
				logger.WarnContext(r.Context(), "request completed", args...)
			default:
				logger.InfoContext(r.Context(), "request completed", args...)
			}
		})
	}
}

// MetricsMiddleware records request latency and count. The endpoint dimension
// is the matched chi route pattern so path parameters do not inflate
// cardinality. A nil collector disables recording.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rc, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		s.Metrics.RecordRequest(r.Method, endpoint, strconv.Itoa(rc.statusCode), time.Since(start))
	})
}

// SecurityHeadersMiddleware sets standard security response headers.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware configures CORS for the admin console. A "*" entry allows
// every origin; preflight OPTIONS requests are answered with 204.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			var allowedOrigin string
			if allowAll {
				allowedOrigin = "*"
			} else if origin != "" {
				if _, ok := originSet[origin]; ok {
					allowedOrigin = origin
				}
			}

			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, X-Idempotent-Replayed")
				w.Header().Set("Access-Control-Max-Age", "86400")
				if allowedOrigin != "*" {
					w.Header().Set("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON formats the known-safe error envelope by hand so panic recovery
// never depends on reflection-based marshalling.
func writeJSON(w http.ResponseWriter, resp APIErrorResponse) error {
	s := fmt.Sprintf(
		`{"error":{"code":"%s","message":"%s","request_id":"%s"}}`,
		escapeJSON(resp.Error.Code), escapeJSON(resp.Error.Message), escapeJSON(resp.Error.RequestID),
	)
	_, err := w.Write([]byte(s))
	return err
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}
