// Package scheduler implements the scheduled jobs of seatsync: promotion of
// due pending seat changes, retry of failed billing events and ledger
// housekeeping.
//
// Jobs are triggered externally, either by the /cron HTTP routes or by an
// EventBridge rule invoking cmd/pending-applier. The MaintenancePayload is the
// JSON structure EventBridge sends; its TaskType selects the job.
package scheduler

import "time"

// TaskType identifies which job should handle an EventBridge event.
type TaskType string

const (
	TaskApplyPendingChanges    TaskType = "apply_pending_changes"
	TaskReprocessBillingEvents TaskType = "reprocess_billing_events"
	TaskCleanupIdempotencyKeys TaskType = "cleanup_idempotency_keys"
	TaskCleanupBillingEvents   TaskType = "cleanup_billing_events"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the
// pending-applier Lambda.
//
//	{
//	  "task": "apply_pending_changes",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual invocation and backfills. If
	// nil, the clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
