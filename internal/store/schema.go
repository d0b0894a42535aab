package store

// schema is the DDL for the embedded storage engine, ported table-for-table
// from original_source/orchestrator/db.py. SQLite enforces the
// (run_id, idempotency_key) and (source, delivery_id) uniqueness
// constraints spec.md §5 requires "at the storage layer, not only in
// application logic."
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	repo           TEXT NOT NULL,
	prompt_version TEXT NOT NULL,
	mode           TEXT NOT NULL,
	budget_json    TEXT NOT NULL,
	workspace_dir  TEXT NOT NULL,
	pr_number      INTEGER,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_states (
	run_id     TEXT PRIMARY KEY REFERENCES runs(run_id),
	state      TEXT NOT NULL,
	last_error TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES runs(run_id),
	event_type      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	payload_json    TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	UNIQUE (run_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_events_run_created ON events (run_id, created_at);

CREATE TABLE IF NOT EXISTS step_attempts (
	attempt_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(run_id),
	step        TEXT NOT NULL,
	attempt_no  INTEGER NOT NULL,
	exit_code   INTEGER NOT NULL,
	stdout      TEXT NOT NULL,
	stderr      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_step ON step_attempts (run_id, step);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL REFERENCES runs(run_id),
	type          TEXT NOT NULL,
	uri           TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	source          TEXT NOT NULL,
	delivery_id     TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload_sha256  TEXT NOT NULL,
	received_at     TEXT NOT NULL,
	PRIMARY KEY (source, delivery_id)
);

CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_received ON webhook_deliveries (received_at);
`
