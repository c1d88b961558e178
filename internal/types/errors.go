package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidQuantity  ErrorCode = "validation_invalid_quantity"
	ErrCodeValidationBelowOccupied    ErrorCode = "validation_below_occupied_seats"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPayload   ErrorCode = "validation_invalid_payload"
	ErrCodeValidationNotLive          ErrorCode = "validation_subscription_not_live"
	ErrCodeValidationNoDuePending     ErrorCode = "validation_no_due_pending_change"
	ErrCodeValidationInvalidEffective ErrorCode = "validation_invalid_effective_at"
	ErrCodeValidationFailed           ErrorCode = "validation_failed"

	// Billing-model specific (422)
	ErrCodeBillingNotApplicable    ErrorCode = "billing_not_applicable"
	ErrCodeBillingUnsupportedType  ErrorCode = "billing_unsupported_type"
	ErrCodeBillingTypeReclassified ErrorCode = "billing_type_reclassified"

	// Auth (401)
	ErrCodeAuthTokenMissing      ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid      ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired      ErrorCode = "auth_token_expired"
	ErrCodeAuthSignatureInvalid  ErrorCode = "auth_signature_invalid"
	ErrCodeAuthCronSecretInvalid ErrorCode = "auth_cron_secret_invalid"

	// Not Found (404)
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundBillingEvent ErrorCode = "not_found_billing_event"
	ErrCodeNotFoundProvider     ErrorCode = "not_found_provider"
	ErrCodeNotFoundAPIKey       ErrorCode = "not_found_api_key"

	// Conflict (409)
	ErrCodeConflictConcurrent  ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictLiveExists  ErrorCode = "conflict_live_subscription_exists"
	ErrCodeConflictIdempotency ErrorCode = "conflict_idempotency_in_progress"

	// Internal/Upstream (500/502/503)
	ErrCodeInternalDB           ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected   ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRejected     ErrorCode = "upstream_rejected"
	ErrCodeProviderUnconfigured ErrorCode = "unavailable_provider_unconfigured"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "billing_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeUpstreamUnavailable):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "unavailable_"):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// Retryable reports whether an operation failing with this code may succeed
// if the caller repeats it unchanged.
func (c ErrorCode) Retryable() bool {
	return c == ErrCodeUpstreamUnavailable || c == ErrCodeConflictConcurrent
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode of the first AppError in err's chain.
// Returns the empty code when err carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
