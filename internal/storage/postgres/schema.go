package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations run in order; each is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id             TEXT PRIMARY KEY,
		username       TEXT NOT NULL,
		email          TEXT NOT NULL,
		name           TEXT NOT NULL,
		location       JSONB NOT NULL DEFAULT '{}',
		role           TEXT NOT NULL,
		acent_balance  NUMERIC(30,10) NOT NULL DEFAULT 0 CHECK (acent_balance >= 0),
		dcent_balance  NUMERIC(30,10) NOT NULL DEFAULT 0 CHECK (dcent_balance >= 0),
		passed_quizzes TEXT[] NOT NULL DEFAULT '{}',
		version        INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_username_key ON accounts (lower(username))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_key ON accounts (lower(email))`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL REFERENCES accounts (id),
		kind            TEXT NOT NULL,
		currency        TEXT NOT NULL,
		amount          NUMERIC(30,10) NOT NULL,
		balance_after   NUMERIC(30,10) NOT NULL,
		related_type    TEXT NOT NULL DEFAULT '',
		related_id      TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS pending_rewards (
		id          TEXT PRIMARY KEY,
		transaction JSONB NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 1,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS proposals (
		id                   TEXT PRIMARY KEY,
		author_id            TEXT NOT NULL REFERENCES accounts (id),
		title                TEXT NOT NULL,
		content              TEXT NOT NULL,
		location             JSONB NOT NULL DEFAULT '{}',
		scope                TEXT NOT NULL,
		status               TEXT NOT NULL,
		yes_votes            INTEGER NOT NULL DEFAULT 0,
		no_votes             INTEGER NOT NULL DEFAULT 0,
		total_votes          INTEGER NOT NULL DEFAULT 0,
		escalation_threshold INTEGER NOT NULL,
		voting_deadline      TIMESTAMPTZ NOT NULL,
		revenue              NUMERIC(30,10) NOT NULL DEFAULT 0,
		version              INTEGER NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS proposals_expiry_idx ON proposals (status, voting_deadline)`,

	`CREATE TABLE IF NOT EXISTS votes (
		id           TEXT PRIMARY KEY,
		proposal_id  TEXT NOT NULL REFERENCES proposals (id),
		voter_id     TEXT NOT NULL REFERENCES accounts (id),
		type         TEXT NOT NULL,
		delegated_by TEXT[] NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (proposal_id, voter_id)
	)`,

	`CREATE TABLE IF NOT EXISTS delegations (
		id                     TEXT PRIMARY KEY,
		proposal_id            TEXT NOT NULL REFERENCES proposals (id),
		delegator_id           TEXT NOT NULL REFERENCES accounts (id),
		delegatee_id           TEXT NOT NULL REFERENCES accounts (id),
		status                 TEXT NOT NULL,
		revocation_date        TIMESTAMPTZ,
		last_redelegation_date TIMESTAMPTZ,
		created_at             TIMESTAMPTZ NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL,
		UNIQUE (proposal_id, delegator_id)
	)`,

	`CREATE TABLE IF NOT EXISTS quizzes (
		id            TEXT PRIMARY KEY,
		proposal_id   TEXT NOT NULL UNIQUE REFERENCES proposals (id),
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_by    TEXT NOT NULL REFERENCES accounts (id),
		questions     JSONB NOT NULL,
		passing_score INTEGER NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS comments (
		id                   TEXT PRIMARY KEY,
		proposal_id          TEXT NOT NULL REFERENCES proposals (id),
		author_id            TEXT NOT NULL REFERENCES accounts (id),
		content              TEXT NOT NULL,
		is_competent         BOOLEAN NOT NULL,
		upvotes              INTEGER NOT NULL DEFAULT 0,
		downvotes            INTEGER NOT NULL DEFAULT 0,
		is_integrated        BOOLEAN NOT NULL DEFAULT FALSE,
		auto_integrated      BOOLEAN NOT NULL DEFAULT FALSE,
		integration_date     TIMESTAMPTZ,
		acent_revenue_earned NUMERIC(30,10) NOT NULL DEFAULT 0,
		dcent_revenue_earned NUMERIC(30,10) NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS comments_proposal_idx ON comments (proposal_id, created_at)`,
}

// Migrate creates the schema
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
