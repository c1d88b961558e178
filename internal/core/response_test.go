package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"seatsync/internal/types"
)

func requestWithID() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/billing/update-subscription-quantity", nil)
	return req.WithContext(types.WithRequestID(req.Context(), "req-1"))
}

func TestError_AppErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   types.ErrorCode
		retryAfter bool
	}{
		{"validation", types.NewAppError(types.ErrCodeValidationBelowOccupied, "too few", nil), http.StatusBadRequest, types.ErrCodeValidationBelowOccupied, false},
		{"not applicable", types.NewAppError(types.ErrCodeBillingNotApplicable, "usage", nil), http.StatusUnprocessableEntity, types.ErrCodeBillingNotApplicable, false},
		{"provider unavailable", types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil), http.StatusServiceUnavailable, types.ErrCodeUpstreamUnavailable, true},
		{"provider rejected", types.NewAppError(types.ErrCodeUpstreamRejected, "card", nil), http.StatusBadGateway, types.ErrCodeUpstreamRejected, false},
		{"concurrent", types.NewAppError(types.ErrCodeConflictConcurrent, "lost", nil), http.StatusConflict, types.ErrCodeConflictConcurrent, true},
		{"live exists", types.NewAppError(types.ErrCodeConflictLiveExists, "dup", nil), http.StatusConflict, types.ErrCodeConflictLiveExists, false},
		{"unconfigured", types.NewAppError(types.ErrCodeProviderUnconfigured, "no key", nil), http.StatusServiceUnavailable, types.ErrCodeProviderUnconfigured, false},
		{"wrapped", fmt.Errorf("handler: %w", types.NewAppError(types.ErrCodeNotFoundSubscription, "none", nil)), http.StatusNotFound, types.ErrCodeNotFoundSubscription, false},
		{"plain error", errors.New("pq: connection reset"), http.StatusInternalServerError, types.ErrCodeInternalUnexpected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Error(rec, requestWithID(), tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body APIErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != string(tt.wantCode) {
				t.Errorf("code = %s, want %s", body.Error.Code, tt.wantCode)
			}
			if body.Error.RequestID != "req-1" {
				t.Errorf("request_id = %q", body.Error.RequestID)
			}
			if got := rec.Header().Get("Retry-After") == "1"; got != tt.retryAfter {
				t.Errorf("Retry-After present = %v, want %v", got, tt.retryAfter)
			}
		})
	}
}

func TestError_DoesNotLeakInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, requestWithID(), types.NewAppError(types.ErrCodeInternalDB, "failed to load", errors.New("password=hunter2")))

	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("wrapped cause leaked: %s", rec.Body.String())
	}
}

func TestError_IncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, requestWithID(), types.NewAppErrorWithDetails(types.ErrCodeValidationBelowOccupied, "too few", nil,
		map[string]any{"occupied_seats": 9}))

	var body APIErrorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Details["occupied_seats"] != float64(9) {
		t.Errorf("details = %v", body.Error.Details)
	}
}

type quantityRequest struct {
	NewQuantity int `json:"new_quantity"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"new_quantity": 10}`, false},
		{"empty", ``, true},
		{"syntax", `{"new_quantity":`, true},
		{"wrong type", `{"new_quantity":"ten"}`, true},
		{"unknown field", `{"new_quantity":1,"seats":2}`, true},
		{"two objects", `{"new_quantity":1}{"new_quantity":2}`, true},
		{"too large", `{"new_quantity":1,"pad":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst quantityRequest
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)

			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !types.IsCode(err, types.ErrCodeValidationInvalidJSON) {
				t.Errorf("code = %s", types.CodeOf(err))
			}
			if !tt.wantErr && dst.NewQuantity != 10 {
				t.Errorf("NewQuantity = %d", dst.NewQuantity)
			}
		})
	}
}
