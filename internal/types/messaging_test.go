package types

import (
	"encoding/json"
	"testing"
	"time"
)

// TestSeatChangeMessageJSONKeys verifies the snake_case keys consumers of the
// seat-change queue rely on.
func TestSeatChangeMessageJSONKeys(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	pending := 4

	msg := SeatChangeMessage{
		MessageID:      "msg_1",
		SubscriptionID: "sub_1",
		OrganizationID: "org_1",
		BillingType:    BillingTypeQuantityBased,
		PreviousSeats:  8,
		CurrentSeats:   10,
		PendingSeats:   &pending,
		Source:         SeatChangeSourceAdmin,
		Version:        3,
		OccurredAt:     now,
		TraceID:        "req-123",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map failed: %v", err)
	}

	requiredKeys := []string{
		"message_id",
		"subscription_id",
		"organization_id",
		"billing_type",
		"previous_seats",
		"current_seats",
		"pending_seats",
		"source",
		"version",
		"occurred_at",
		"trace_id",
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing JSON key %q", key)
		}
	}

	if raw["billing_type"] != "quantity_based" {
		t.Errorf("billing_type = %v, want quantity_based", raw["billing_type"])
	}
	if raw["occurred_at"] != "2026-02-06T12:00:00Z" {
		t.Errorf("occurred_at = %v, want RFC3339 UTC", raw["occurred_at"])
	}
}

func TestSeatChangeMessageOmitsEmptyOptionals(t *testing.T) {
	data, err := json.Marshal(SeatChangeMessage{SubscriptionID: "sub_1", Source: SeatChangeSourceWebhook})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map failed: %v", err)
	}
	for _, key := range []string{"pending_seats", "trace_id"} {
		if _, ok := raw[key]; ok {
			t.Errorf("key %q should be omitted when empty", key)
		}
	}
}

func TestSeatChangeMessageDecode(t *testing.T) {
	payload := `{
		"message_id": "msg_9",
		"subscription_id": "sub_9",
		"organization_id": "org_9",
		"billing_type": "usage_based",
		"previous_seats": 2,
		"current_seats": 5,
		"source": "pending_applier",
		"version": 7,
		"occurred_at": "2026-02-06T10:00:00Z"
	}`

	var msg SeatChangeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.BillingType != BillingTypeUsageBased {
		t.Errorf("BillingType = %q", msg.BillingType)
	}
	if msg.Source != SeatChangeSourcePending {
		t.Errorf("Source = %q", msg.Source)
	}
	if msg.PendingSeats != nil {
		t.Errorf("PendingSeats = %v, want nil", *msg.PendingSeats)
	}
	if msg.CurrentSeats != 5 || msg.Version != 7 {
		t.Errorf("unexpected message: %+v", msg)
	}
}
