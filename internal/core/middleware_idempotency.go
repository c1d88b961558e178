package core

import (
	"bytes"
	"log/slog"
	"net/http"

	"seatsync/internal/types"
)

// ResponseCapturer buffers the status, headers and body written by a handler
// so IdempotencyMiddleware can persist the response before sending it.
// Nothing reaches the underlying writer until Flush.
type ResponseCapturer struct {
	underlying http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	headers    http.Header
	written    bool
}

func newResponseCapturer(w http.ResponseWriter) *ResponseCapturer {
	return &ResponseCapturer{
		underlying: w,
		statusCode: http.StatusOK,
		headers:    make(http.Header),
	}
}

// Header returns the buffered header map.
func (rc *ResponseCapturer) Header() http.Header {
	return rc.headers
}

// WriteHeader records the status code.
func (rc *ResponseCapturer) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
}

// Write appends to the buffered body.
func (rc *ResponseCapturer) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.body.Write(b)
}

// Flush copies the buffered response to the underlying writer. Call once.
func (rc *ResponseCapturer) Flush() {
	for key, values := range rc.headers {
		for _, v := range values {
			rc.underlying.Header().Add(key, v)
		}
	}
	rc.underlying.WriteHeader(rc.statusCode)
	_, _ = rc.underlying.Write(rc.body.Bytes())
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rc *ResponseCapturer) Unwrap() http.ResponseWriter {
	return rc.underlying
}

// StatusCode returns the captured HTTP status code.
func (rc *ResponseCapturer) StatusCode() int {
	return rc.statusCode
}

// Body returns the captured response body.
func (rc *ResponseCapturer) Body() []byte {
	return rc.body.Bytes()
}

// retryable reports whether the client is expected to repeat the request,
// either because the server failed or because the error carries Retry-After.
func (rc *ResponseCapturer) retryable() bool {
	return rc.statusCode >= 500 || rc.headers.Get("Retry-After") != ""
}

// IdempotencyMiddleware makes POST requests carrying an Idempotency-Key
// header execute at most once per organization.
//
//  1. Completed key: the stored response is replayed with X-Idempotent-Replayed.
//  2. Key in flight: 409 conflict_idempotency_in_progress.
//  3. New or previously failed key: the request runs, and its response is
//     stored unless it is retryable (5xx or Retry-After), in which case the
//     key is released for the next attempt.
//
// Store read errors fail open. A nil store disables the middleware.
func (s *Server) IdempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IdempotencyStore == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		orgID, ok := types.GetOrgID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		log := s.Logger.With(slog.String("idempotency_key", key), slog.String("org_id", orgID))

		record, err := s.IdempotencyStore.Get(ctx, key, orgID)
		if err != nil {
			log.ErrorContext(ctx, "idempotency store get error", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		if record != nil {
			switch record.Status {
			case types.IdempotencyStatusCompleted:
				log.InfoContext(ctx, "idempotency key hit, replaying response",
					slog.Int("cached_status", record.ResponseCode),
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replayed", "true")
				w.WriteHeader(record.ResponseCode)
				_, _ = w.Write(record.ResponseBody)
				return

			case types.IdempotencyStatusProcessing:
				s.writeIdempotencyConflict(w, r)
				return
			}
		}

		if err := s.IdempotencyStore.Create(ctx, key, orgID, r.URL.Path); err != nil {
			if types.IsCode(err, types.ErrCodeConflictIdempotency) {
				s.writeIdempotencyConflict(w, r)
				return
			}
			log.ErrorContext(ctx, "idempotency store create error", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		capturer := newResponseCapturer(w)
		next.ServeHTTP(capturer, r)

		if capturer.retryable() {
			if err := s.IdempotencyStore.Fail(ctx, key, orgID); err != nil {
				log.ErrorContext(ctx, "idempotency store fail error", slog.String("error", err.Error()))
			}
		} else if err := s.IdempotencyStore.Complete(ctx, key, orgID, capturer.StatusCode(), capturer.Body()); err != nil {
			log.ErrorContext(ctx, "idempotency store complete error", slog.String("error", err.Error()))
		}

		capturer.Flush()
	})
}

func (s *Server) writeIdempotencyConflict(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusConflict, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeConflictIdempotency),
			Message:   "A request with this idempotency key is currently being processed",
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
