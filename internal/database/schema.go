package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schema is applied idempotently on startup. The notify trigger feeds the
// balance listener so caches follow writes made by other processes.
const schema = `
CREATE TABLE IF NOT EXISTS pending_tokens (
	token       TEXT PRIMARY KEY,
	external_id BIGINT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'used')),
	expires_at  TIMESTAMPTZ,
	used_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS linked_accounts (
	external_id BIGINT PRIMARY KEY,
	actor_id    TEXT NOT NULL UNIQUE,
	actor_name  TEXT NOT NULL DEFAULT '',
	verified    BOOLEAN NOT NULL DEFAULT FALSE,
	linked_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_accounts (
	actor_id   TEXT PRIMARY KEY,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         BIGSERIAL PRIMARY KEY,
	actor_id   TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	entry_type TEXT NOT NULL CHECK (entry_type IN ('CREDIT', 'DEBIT')),
	balance    BIGINT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_actor ON ledger_entries (actor_id, created_at);

CREATE TABLE IF NOT EXISTS harvest_events (
	fingerprint       TEXT PRIMARY KEY,
	actor_id          TEXT NOT NULL,
	resource_kind     TEXT NOT NULL,
	position          JSONB NOT NULL,
	first_observed_at TIMESTAMPTZ NOT NULL,
	last_observed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_harvest_events_actor ON harvest_events (actor_id, last_observed_at);

CREATE OR REPLACE FUNCTION notify_ledger_balance() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('ledger_balance',
		json_build_object('actor_id', NEW.actor_id, 'balance', NEW.balance)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_ledger_balance_notify ON ledger_accounts;
CREATE TRIGGER trg_ledger_balance_notify
	AFTER INSERT OR UPDATE OF balance ON ledger_accounts
	FOR EACH ROW EXECUTE FUNCTION notify_ledger_balance();
`

// Migrate creates the tables used by the ledger and harvest pipeline.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Println("Database schema up to date")
	return nil
}
