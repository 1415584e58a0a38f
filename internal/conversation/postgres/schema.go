// Package postgres provides the PostgreSQL-backed conversation store.
//
// Conversations are stored as one row each with transcript segments, photos,
// and downstream-structured data held in JSONB columns. The per-user
// in-progress pointer lives in its own table so that claiming and releasing
// it is a single-row compare-and-set, keeping the one-in-progress-per-user
// invariant even across concurrent sessions. Usage records are append-only.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id           TEXT         NOT NULL,
    uid          TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at   TIMESTAMPTZ  NOT NULL,
    finished_at  TIMESTAMPTZ  NOT NULL,
    status       TEXT         NOT NULL,
    source       TEXT         NOT NULL,
    language     TEXT         NOT NULL DEFAULT '',
    segments     JSONB        NOT NULL DEFAULT '[]',
    photos       JSONB        NOT NULL DEFAULT '[]',
    structured   JSONB,
    geolocation  JSONB,
    is_locked    BOOLEAN      NOT NULL DEFAULT FALSE,
    private_sync BOOLEAN      NOT NULL DEFAULT FALSE,
    discarded    BOOLEAN      NOT NULL DEFAULT FALSE,
    PRIMARY KEY (uid, id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_uid_status
    ON conversations (uid, status);

CREATE INDEX IF NOT EXISTS idx_conversations_uid_finished
    ON conversations (uid, finished_at DESC);
`

const ddlInProgress = `
CREATE TABLE IF NOT EXISTS in_progress_conversations (
    uid             TEXT  PRIMARY KEY,
    conversation_id TEXT  NOT NULL
);
`

const ddlUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
    id          BIGSERIAL    PRIMARY KEY,
    uid         TEXT         NOT NULL,
    seconds     DOUBLE PRECISION NOT NULL,
    words       BIGINT       NOT NULL,
    recorded_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_records_uid
    ON usage_records (uid, recorded_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlConversations,
		ddlInProgress,
		ddlUsageRecords,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
