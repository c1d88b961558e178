package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"seatsync/internal/types"
)

// maxRequestBodySize bounds JSON request bodies (64 KB is generous for the
// billing DTOs).
const maxRequestBodySize = 64 << 10

// retryAfterSeconds is advertised on retryable errors.
const retryAfterSeconds = 1

// APIErrorResponse is the standard envelope for all error API responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshalling failure becomes a
// 500 envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes an error envelope for err.
//
// A *types.AppError anywhere in the chain supplies the code, message,
// details and HTTP status; retryable codes also set Retry-After. Any other
// error becomes a 500 internal_unexpected_error whose message is never
// exposed. Wrapped causes are never serialized.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		if appErr.Code.Retryable() {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		})
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	})
}

// DecodeJSON reads exactly one JSON object from the request body into dst,
// rejecting unknown fields and bodies over maxRequestBodySize. Failures are
// validation_invalid_json AppErrors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body is too large", err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{
				"field":    typeErr.Field,
				"expected": typeErr.Type.String(),
			})
	}

	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	}

	if errors.Is(err, io.EOF) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", err)
	}

	return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid JSON in request body", err)
}
