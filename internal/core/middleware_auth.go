package core

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"seatsync/internal/types"
)

// AuthMiddleware wraps handlers requiring an organization API key.
//
//  1. Extracts the Bearer token from the Authorization header.
//  2. Calls Authenticator.ResolveToken to resolve the token to an Actor.
//  3. Injects the Actor into the request context via types.WithActor.
//  4. Returns 401 Unauthorized on failure with distinct error codes:
//     - auth_token_missing: No Authorization header or empty Bearer token.
//     - auth_token_invalid: Token is malformed, not found, or revoked.
//     - auth_token_expired: Token exists but has expired.
//
// A nil Authenticator rejects every request.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if s.Authenticator == nil {
			s.Logger.ErrorContext(r.Context(), "no authenticator configured")
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil || actor.OrganizationID == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CronSecretMiddleware guards the scheduled-job routes. The bearer token must
// equal CRON_SECRET, compared in constant time. An unset secret rejects every
// request.
func (s *Server) CronSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var secret string
		if s.Config != nil {
			secret = s.Config.Cron.Secret.Unmask()
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if secret == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			s.Logger.WarnContext(r.Context(), "cron request rejected",
				slog.String("path", r.URL.Path),
				slog.Bool("secret_configured", secret != ""),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthCronSecretInvalid, "Invalid cron credentials")
			return
		}

		ctx := types.WithActor(r.Context(), types.Actor{
			ID:   "cron",
			Type: types.ActorTypeCron,
			Name: "cron",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses "Bearer <token>" (case-insensitive scheme per
// RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// handleAuthError writes the 401 for a ResolveToken failure without leaking
// internal details.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.WarnContext(r.Context(), "authentication failed: token expired",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
