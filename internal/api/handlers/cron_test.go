package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"seatsync/internal/scheduler"
	"seatsync/internal/types"
)

type mockPendingApplier struct {
	applyFn func(ctx context.Context, now time.Time) (*scheduler.ApplySummary, error)
	gotNow  time.Time
	calls   int
}

func (m *mockPendingApplier) ApplyDuePendingChanges(ctx context.Context, now time.Time) (*scheduler.ApplySummary, error) {
	m.calls++
	m.gotNow = now
	if m.applyFn != nil {
		return m.applyFn(ctx, now)
	}
	return &scheduler.ApplySummary{Failures: []scheduler.RowResult{}, Results: []scheduler.RowResult{}}, nil
}

type mockEventReprocessor struct {
	reprocessFn func(ctx context.Context) (*scheduler.ReprocessSummary, error)
}

func (m *mockEventReprocessor) ReprocessFailed(ctx context.Context) (*scheduler.ReprocessSummary, error) {
	if m.reprocessFn != nil {
		return m.reprocessFn(ctx)
	}
	return &scheduler.ReprocessSummary{}, nil
}

var (
	_ PendingApplier   = (*mockPendingApplier)(nil)
	_ EventReprocessor = (*mockEventReprocessor)(nil)
)

func newTestCronHandler(applier PendingApplier, reprocessor EventReprocessor, configured bool) *CronHandler {
	return NewCronHandler(applier, reprocessor, configured, types.FixedClock{T: testNow}, nil)
}

func TestApplyPendingChanges_NothingDue(t *testing.T) {
	applier := &mockPendingApplier{}
	h := newTestCronHandler(applier, &mockEventReprocessor{}, true)

	rr := httptest.NewRecorder()
	h.ApplyPendingChanges(rr, httptest.NewRequest("GET", "/apply-pending-subscription-changes", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !applier.gotNow.Equal(testNow) {
		t.Errorf("expected applier to run at %v, got %v", testNow, applier.gotNow)
	}

	var resp ApplyPendingResponse
	parseJSONResponse(t, rr, &resp)
	if !resp.Success || resp.Processed != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Message != "no pending changes" {
		t.Errorf("expected 'no pending changes', got %q", resp.Message)
	}
	if resp.Results == nil {
		t.Error("results must serialize as an empty array")
	}
}

func TestApplyPendingChanges_PartialFailure(t *testing.T) {
	failed := scheduler.RowResult{SubscriptionID: "sub_2", Code: string(types.ErrCodeUpstreamUnavailable), Error: "provider down"}
	applier := &mockPendingApplier{
		applyFn: func(context.Context, time.Time) (*scheduler.ApplySummary, error) {
			return &scheduler.ApplySummary{
				Processed: 3,
				Applied:   2,
				Failures:  []scheduler.RowResult{failed},
				Results: []scheduler.RowResult{
					{SubscriptionID: "sub_1", Applied: true},
					failed,
					{SubscriptionID: "sub_3", Applied: true},
				},
			}, nil
		},
	}
	h := newTestCronHandler(applier, &mockEventReprocessor{}, true)

	rr := httptest.NewRecorder()
	h.ApplyPendingChanges(rr, httptest.NewRequest("POST", "/apply-pending-subscription-changes", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp ApplyPendingResponse
	parseJSONResponse(t, rr, &resp)
	if resp.Success {
		t.Error("expected success=false with a failed row")
	}
	if resp.Processed != 3 || resp.Applied != 2 || resp.Failed != 1 {
		t.Errorf("unexpected counts: %+v", resp)
	}
	if len(resp.Results) != 3 || resp.Results[1].SubscriptionID != "sub_2" {
		t.Errorf("expected results in listing order, got %+v", resp.Results)
	}
	if resp.Message != "applied 2 of 3 pending changes" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestApplyPendingChanges_ProviderUnconfigured(t *testing.T) {
	applier := &mockPendingApplier{}
	h := newTestCronHandler(applier, &mockEventReprocessor{}, false)

	rr := httptest.NewRecorder()
	h.ApplyPendingChanges(rr, httptest.NewRequest("GET", "/apply-pending-subscription-changes", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeProviderUnconfigured) {
		t.Errorf("expected %s, got %s", types.ErrCodeProviderUnconfigured, code)
	}
	if applier.calls != 0 {
		t.Error("applier must not run without provider credentials")
	}
}

func TestApplyPendingChanges_ListingFailure(t *testing.T) {
	applier := &mockPendingApplier{
		applyFn: func(context.Context, time.Time) (*scheduler.ApplySummary, error) {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "query failed", errors.New("conn reset"))
		},
	}
	h := newTestCronHandler(applier, &mockEventReprocessor{}, true)

	rr := httptest.NewRecorder()
	h.ApplyPendingChanges(rr, httptest.NewRequest("GET", "/apply-pending-subscription-changes", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestReprocessBillingEvents(t *testing.T) {
	reprocessor := &mockEventReprocessor{
		reprocessFn: func(context.Context) (*scheduler.ReprocessSummary, error) {
			return &scheduler.ReprocessSummary{
				Processed: 2,
				Succeeded: 2,
				Results: []scheduler.ReprocessResult{
					{Provider: "stripe", EventID: "evt_1", Outcome: "processed"},
					{Provider: "stripe", EventID: "evt_2", Outcome: "stale"},
				},
			}, nil
		},
	}
	h := newTestCronHandler(&mockPendingApplier{}, reprocessor, false)

	rr := httptest.NewRecorder()
	h.ReprocessBillingEvents(rr, httptest.NewRequest("POST", "/reprocess-billing-events", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp ReprocessResponse
	parseJSONResponse(t, rr, &resp)
	if !resp.Success || resp.Processed != 2 || resp.Succeeded != 2 || resp.Failed != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Message != "reprocessed 2 of 2 billing events" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestReprocessBillingEvents_Empty(t *testing.T) {
	h := newTestCronHandler(&mockPendingApplier{}, &mockEventReprocessor{}, true)

	rr := httptest.NewRecorder()
	h.ReprocessBillingEvents(rr, httptest.NewRequest("GET", "/reprocess-billing-events", nil))

	var resp ReprocessResponse
	parseJSONResponse(t, rr, &resp)
	if resp.Message != "no failed billing events" {
		t.Errorf("unexpected message %q", resp.Message)
	}
	if resp.Results == nil {
		t.Error("results must serialize as an empty array")
	}
}
