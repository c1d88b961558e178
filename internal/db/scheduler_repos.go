package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"seatsync/internal/types"
)

// ============================================================
// JobLockRepository
// ============================================================

// JobLockRepository provides distributed locking via the job_locks table so
// overlapping scheduled invocations do not run the same job twice.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire inserts or takes over an expired lock row. Returns true if the
// caller now holds lockID until now+ttl. The lockID is typically
// "task:hour" (e.g. "apply_pending_changes:2026-02-06T03").
//
// Timestamps are computed in Go rather than with interval arithmetic in SQL
// because Go duration strings ("15m0s") are not valid PostgreSQL intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	// 0 rows: another worker holds an unexpired lock.
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// ApplierRunRepository
// ============================================================

// Applier run statuses stored in applier_runs.status.
const (
	ApplierRunRunning = "running"
	ApplierRunSuccess = "success"
	ApplierRunPartial = "partial"
	ApplierRunFailed  = "failed"
)

// ApplierRunRepository records each execution of the pending-change applier
// for operational visibility and the health staleness probe.
type ApplierRunRepository struct {
	db DBTX
}

// NewApplierRunRepository creates a new ApplierRunRepository backed by the
// given database connection (pool or transaction).
func NewApplierRunRepository(db DBTX) *ApplierRunRepository {
	return &ApplierRunRepository{db: db}
}

// ApplierRunOutcome is the final state written by Finish.
type ApplierRunOutcome struct {
	Status    string
	Processed int
	Applied   int
	Failed    int
	Err       error
}

// Start inserts a running row and returns its generated ID.
func (r *ApplierRunRepository) Start(ctx context.Context, trigger string, now time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO applier_runs (trigger, started_at, status)
		 VALUES ($1, $2, 'running')
		 RETURNING id`,
		trigger, now.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start applier run", err)
	}
	return id, nil
}

// Finish stores the outcome of a run started with Start.
func (r *ApplierRunRepository) Finish(ctx context.Context, id int64, out ApplierRunOutcome, now time.Time) error {
	var errMsg *string
	if out.Err != nil {
		s := out.Err.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE applier_runs
		 SET finished_at = $2, status = $3, processed = $4, applied = $5, failed = $6, error = $7
		 WHERE id = $1`,
		id,
		now.UTC(),
		out.Status,
		out.Processed,
		out.Applied,
		out.Failed,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish applier run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "applier run not found", nil)
	}
	return nil
}

// LastFinishedAt returns the completion time of the most recent run that was
// not a total failure, or nil when the applier never completed.
func (r *ApplierRunRepository) LastFinishedAt(ctx context.Context) (*time.Time, error) {
	var at time.Time
	err := r.db.QueryRow(ctx,
		`SELECT finished_at FROM applier_runs
		 WHERE finished_at IS NOT NULL AND status IN ('success', 'partial')
		 ORDER BY finished_at DESC
		 LIMIT 1`,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load last applier run", err)
	}
	return &at, nil
}
