package db

import (
	"context"
	"fmt"
	"log/slog"

	"seatsync/internal/types"
)

// Migration is one forward-only schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema history in application order. Constraint
// names used by pgErrorCode callers are defined here.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create subscriptions",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id                            TEXT PRIMARY KEY,
					organization_id               TEXT NOT NULL,
					provider                      TEXT NOT NULL,
					external_subscription_id      TEXT NOT NULL,
					external_subscription_item_id TEXT,
					variant_id                    TEXT,
					billing_type                  TEXT NOT NULL
						CHECK (billing_type IN ('quantity_based', 'usage_based', 'legacy')),
					status                        TEXT NOT NULL
						CHECK (status IN ('on_trial', 'active', 'past_due', 'paused', 'cancelled', 'expired')),
					current_seats                 INTEGER NOT NULL CHECK (current_seats >= 0),
					pending_seats                 INTEGER CHECK (pending_seats >= 0),
					pending_effective_at          TIMESTAMPTZ,
					period_start                  TIMESTAMPTZ NOT NULL,
					period_end                    TIMESTAMPTZ NOT NULL,
					per_seat_price                BIGINT NOT NULL DEFAULT 0,
					currency                      TEXT NOT NULL DEFAULT '',
					version                       BIGINT NOT NULL DEFAULT 1,
					created_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at                    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT subscriptions_provider_external_id_key
						UNIQUE (provider, external_subscription_id),
					CONSTRAINT subscriptions_pending_pair
						CHECK ((pending_seats IS NULL) = (pending_effective_at IS NULL))
				);

				CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_live_per_org
					ON subscriptions (organization_id)
					WHERE status IN ('on_trial', 'active', 'past_due', 'paused');

				CREATE INDEX IF NOT EXISTS idx_subscriptions_pending_due
					ON subscriptions (pending_effective_at)
					WHERE pending_effective_at IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "create billing_events ledger",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_events (
					id                TEXT PRIMARY KEY,
					provider          TEXT NOT NULL,
					external_event_id TEXT NOT NULL,
					event_type        TEXT NOT NULL,
					payload           BYTEA,
					received_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					claimed_at        TIMESTAMPTZ,
					attempts          INTEGER NOT NULL DEFAULT 0,
					processed_at      TIMESTAMPTZ,
					error_detail      TEXT,
					UNIQUE (provider, external_event_id)
				);

				CREATE INDEX IF NOT EXISTS idx_billing_events_unprocessed
					ON billing_events (received_at)
					WHERE processed_at IS NULL;
			`,
		},
		{
			Version:     3,
			Description: "create api_keys",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_keys (
					id              TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL,
					key_hash        TEXT NOT NULL,
					key_prefix      TEXT NOT NULL,
					name            TEXT NOT NULL DEFAULT '',
					test_mode       BOOLEAN NOT NULL DEFAULT FALSE,
					last_used_at    TIMESTAMPTZ,
					expires_at      TIMESTAMPTZ,
					revoked_at      TIMESTAMPTZ,
					created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_api_keys_prefix
					ON api_keys (key_prefix)
					WHERE revoked_at IS NULL;
			`,
		},
		{
			Version:     4,
			Description: "create idempotency_keys",
			SQL: `
				CREATE TABLE IF NOT EXISTS idempotency_keys (
					key             TEXT NOT NULL,
					organization_id TEXT NOT NULL,
					path            TEXT NOT NULL,
					status          TEXT NOT NULL,
					response_code   INTEGER,
					response_body   BYTEA,
					created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (key, organization_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "create job_locks and applier_runs",
			SQL: `
				CREATE TABLE IF NOT EXISTS job_locks (
					id         TEXT PRIMARY KEY,
					worker_id  TEXT NOT NULL,
					locked_at  TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS applier_runs (
					id          BIGSERIAL PRIMARY KEY,
					trigger     TEXT NOT NULL,
					started_at  TIMESTAMPTZ NOT NULL,
					finished_at TIMESTAMPTZ,
					status      TEXT NOT NULL,
					processed   INTEGER NOT NULL DEFAULT 0,
					applied     INTEGER NOT NULL DEFAULT 0,
					failed      INTEGER NOT NULL DEFAULT 0,
					error       TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_applier_runs_finished
					ON applier_runs (finished_at DESC)
					WHERE finished_at IS NOT NULL;
			`,
		},
		{
			Version:     6,
			Description: "add provider event watermark and seat change claim",
			SQL: `
				ALTER TABLE subscriptions
					ADD COLUMN IF NOT EXISTS provider_event_at      TIMESTAMPTZ,
					ADD COLUMN IF NOT EXISTS seat_change_claim      TEXT,
					ADD COLUMN IF NOT EXISTS seat_change_claimed_at TIMESTAMPTZ;

				UPDATE subscriptions SET provider_event_at = updated_at
				 WHERE provider_event_at IS NULL;
			`,
		},
	}
}

// Migrate applies every migration newer than the recorded schema version.
// The organization_members and invitations tables read by
// OccupancyRepository belong to the membership service and are not created
// here.
func Migrate(ctx context.Context, db DBTX, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schema_migrations", err)
	}

	var current int
	if err := db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read schema version", err)
	}

	for _, m := range Migrations() {
		if m.Version <= current {
			continue
		}
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("migration %d (%s) failed", m.Version, m.Description), err)
		}
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("failed to record migration %d", m.Version), err)
		}
		logger.InfoContext(ctx, "applied migration",
			slog.Int("version", m.Version),
			slog.String("description", m.Description),
		)
	}
	return nil
}
