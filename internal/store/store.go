// Package store is the embedded, transactional storage engine backing the
// orchestrator: runs, run_states, events, step_attempts, artifacts, and
// webhook_deliveries. The schema and method shapes are ported from
// original_source/orchestrator/db.py's sqlite3-backed Database class; the
// driver itself (modernc.org/sqlite) is an enrichment pulled from the rest
// of the retrieved corpus, since the teacher persists through a
// Mattermost KV store rather than SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/agentpr/orchestrator/internal/clock"
	"github.com/agentpr/orchestrator/internal/model"
)

// Store owns the sqlite connection pool and the clock used to stamp rows.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open connects to the sqlite database at dsn (a file path, or ":memory:"
// for tests) and applies the schema.
func Open(ctx context.Context, dsn string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}
	// SQLite serializes writers regardless; a single connection avoids
	// SQLITE_BUSY under concurrent transactions from multiple goroutines.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, clock: clk}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "store: migrate schema")
	}
	return nil
}

// Tx is a single serializable transaction. All mutation methods live on Tx
// so that a caller (the coordinator) can compose "insert event, resolve,
// set state, write side artifacts" into one atomic unit, per spec.md §4.2.
type Tx struct {
	tx    *sql.Tx
	clock clock.Clock
}

// WithTx runs fn inside a new serializable transaction, committing on
// success and rolling back on any error fn returns (or panics).
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "store: begin tx")
	}
	t := &Tx{tx: sqlTx, clock: s.clock}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err = fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "store: commit tx")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func canonicalJSON(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "store: marshal json")
	}
	return string(b), nil
}

func decodeJSON(s string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, errors.Wrap(err, "store: unmarshal json")
	}
	return out, nil
}

func nowString(c clock.Clock) string {
	return c.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// InsertRun creates the run row and its initial state row. Callers (the
// coordinator) are responsible for committing this in the same
// transaction as the command.run.create event.
func (t *Tx) InsertRun(ctx context.Context, run model.Run, initial model.RunState) error {
	budgetJSON, err := canonicalJSON(run.Budget)
	if err != nil {
		return err
	}
	now := nowString(t.clock)
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, owner, repo, prompt_version, mode, budget_json, workspace_dir, pr_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, run.RunID, run.Owner, run.Repo, run.PromptVersion, string(run.Mode), budgetJSON, run.WorkspaceDir, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrRunAlreadyExists
		}
		return errors.Wrap(err, "store: insert run")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO run_states (run_id, state, last_error, updated_at) VALUES (?, ?, NULL, ?)
	`, run.RunID, string(initial), now)
	if err != nil {
		return errors.Wrap(err, "store: insert run state")
	}
	return nil
}

// GetRun fetches a run row. Returns model.ErrRunNotFound if absent.
func (t *Tx) GetRun(ctx context.Context, runID string) (model.Run, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT run_id, owner, repo, prompt_version, mode, budget_json, workspace_dir, pr_number, created_at, updated_at
		FROM runs WHERE run_id = ?
	`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (model.Run, error) {
	var (
		run        model.Run
		mode       string
		budgetJSON string
		prNumber   sql.NullInt64
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&run.RunID, &run.Owner, &run.Repo, &run.PromptVersion, &mode, &budgetJSON, &run.WorkspaceDir, &prNumber, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Run{}, model.ErrRunNotFound
	}
	if err != nil {
		return model.Run{}, errors.Wrap(err, "store: scan run")
	}
	run.Mode = model.RunMode(mode)
	budget, err := decodeJSON(budgetJSON)
	if err != nil {
		return model.Run{}, err
	}
	run.Budget = budget
	if prNumber.Valid {
		v := prNumber.Int64
		run.PRNumber = &v
	}
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return run, nil
}

// GetState returns the current state and last_error for a run.
func (t *Tx) GetState(ctx context.Context, runID string) (model.RunState, string, error) {
	var state string
	var lastError sql.NullString
	err := t.tx.QueryRowContext(ctx, `SELECT state, last_error FROM run_states WHERE run_id = ?`, runID).Scan(&state, &lastError)
	if err == sql.ErrNoRows {
		return "", "", model.ErrRunNotFound
	}
	if err != nil {
		return "", "", errors.Wrap(err, "store: get state")
	}
	return model.RunState(state), lastError.String, nil
}

// SetState writes the new state row for a run, with an optional last-error
// string (empty clears it).
func (t *Tx) SetState(ctx context.Context, runID string, newState model.RunState, lastError string) error {
	var le sql.NullString
	if lastError != "" {
		le = sql.NullString{String: lastError, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE run_states SET state = ?, last_error = ?, updated_at = ? WHERE run_id = ?
	`, string(newState), le, nowString(t.clock), runID)
	if err != nil {
		return errors.Wrap(err, "store: set state")
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE run_id = ?`, nowString(t.clock), runID)
	return errors.Wrap(err, "store: touch run")
}

// SetPRNumber records the linked PR number. Returns model.ErrPRAlreadyLinked
// if a different PR number is already set (spec.md §3's invariant).
func (t *Tx) SetPRNumber(ctx context.Context, runID string, prNumber int64) error {
	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.PRNumber != nil && *run.PRNumber != prNumber {
		return model.ErrPRAlreadyLinked
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE runs SET pr_number = ?, updated_at = ? WHERE run_id = ?`, prNumber, nowString(t.clock), runID)
	return errors.Wrap(err, "store: set pr number")
}

// InsertEvent attempts to insert the event under the (run_id,
// idempotency_key) uniqueness constraint. If the insert collides, it
// returns duplicate=true and the prior outcome is the caller's to
// reconstruct from current state.
func (t *Tx) InsertEvent(ctx context.Context, runID string, eventType model.EventType, idempotencyKey string, payload map[string]any) (eventID int64, duplicate bool, err error) {
	payloadJSON, err := canonicalJSON(payload)
	if err != nil {
		return 0, false, err
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (run_id, event_type, idempotency_key, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, string(eventType), idempotencyKey, payloadJSON, nowString(t.clock))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, true, nil
		}
		return 0, false, errors.Wrap(err, "store: insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, errors.Wrap(err, "store: event last insert id")
	}
	return id, false, nil
}

// InsertStepAttempt inserts a step attempt with attempt_no set to one more
// than the current max for (run_id, step).
func (t *Tx) InsertStepAttempt(ctx context.Context, runID string, step model.StepName, exitCode int, stdout, stderr string, durationMs int64) (int, error) {
	var maxAttempt sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MAX(attempt_no) FROM step_attempts WHERE run_id = ? AND step = ?
	`, runID, string(step)).Scan(&maxAttempt)
	if err != nil {
		return 0, errors.Wrap(err, "store: max attempt_no")
	}
	attemptNo := 1
	if maxAttempt.Valid {
		attemptNo = int(maxAttempt.Int64) + 1
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO step_attempts (run_id, step, attempt_no, exit_code, stdout, stderr, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, string(step), attemptNo, exitCode, stdout, stderr, durationMs, nowString(t.clock))
	if err != nil {
		return 0, errors.Wrap(err, "store: insert step attempt")
	}
	return attemptNo, nil
}

// InsertArtifact appends an artifact row.
func (t *Tx) InsertArtifact(ctx context.Context, runID string, kind model.ArtifactType, uri string, metadata map[string]any) error {
	metaJSON, err := canonicalJSON(metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, type, uri, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)
	`, runID, string(kind), uri, metaJSON, nowString(t.clock))
	return errors.Wrap(err, "store: insert artifact")
}

// ReserveWebhookDelivery attempts to insert the delivery row under (source,
// delivery_id). Returns reserved=false if already present (replay).
func (t *Tx) ReserveWebhookDelivery(ctx context.Context, source, deliveryID, eventType, payloadSHA256 string) (reserved bool, err error) {
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (source, delivery_id, event_type, payload_sha256, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, source, deliveryID, eventType, payloadSHA256, nowString(t.clock))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "store: reserve webhook delivery")
	}
	return true, nil
}

// DeleteWebhookDelivery releases a reserved delivery so the sender may
// retry, per spec.md §3 invariant (iv).
func (t *Tx) DeleteWebhookDelivery(ctx context.Context, source, deliveryID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE source = ? AND delivery_id = ?`, source, deliveryID)
	return errors.Wrap(err, "store: delete webhook delivery")
}

// ReserveWebhookDelivery is the single-statement Store-level convenience
// for webhook ingress, which reserves a delivery outside of any coordinator
// mutation transaction.
func (s *Store) ReserveWebhookDelivery(ctx context.Context, source, deliveryID, eventType, payloadSHA256 string) (reserved bool, err error) {
	txErr := s.WithTx(ctx, func(tx *Tx) error {
		var e error
		reserved, e = tx.ReserveWebhookDelivery(ctx, source, deliveryID, eventType, payloadSHA256)
		return e
	})
	if txErr != nil {
		return false, txErr
	}
	return reserved, nil
}

// DeleteWebhookDelivery is the Store-level convenience wrapping
// Tx.DeleteWebhookDelivery for ingress's delivery-release path.
func (s *Store) DeleteWebhookDelivery(ctx context.Context, source, deliveryID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteWebhookDelivery(ctx, source, deliveryID)
	})
}

// --- read-only queries, outside any coordinator transaction ---

// GetRunSnapshot returns the run plus its current state.
func (s *Store) GetRunSnapshot(ctx context.Context, runID string) (model.RunSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, owner, repo, prompt_version, mode, budget_json, workspace_dir, pr_number, created_at, updated_at
		FROM runs WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if err != nil {
		return model.RunSnapshot{}, err
	}
	var state string
	var lastError sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT state, last_error FROM run_states WHERE run_id = ?`, runID).Scan(&state, &lastError)
	if err != nil {
		return model.RunSnapshot{}, errors.Wrap(err, "store: snapshot state")
	}
	return model.RunSnapshot{Run: run, State: model.RunState(state), LastError: lastError.String}, nil
}

// GetLatestRunSnapshotByRepoAndPRNumber finds the most recently created run
// for (owner, repo, pr_number), used by the webhook ingress and sync engine
// to locate the run a hosting-service event applies to.
func (s *Store) GetLatestRunSnapshotByRepoAndPRNumber(ctx context.Context, owner, repo string, prNumber int64) (model.RunSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, owner, repo, prompt_version, mode, budget_json, workspace_dir, pr_number, created_at, updated_at
		FROM runs WHERE owner = ? AND repo = ? AND pr_number = ? ORDER BY created_at DESC LIMIT 1
	`, owner, repo, prNumber)
	run, err := scanRun(row)
	if errors.Is(err, model.ErrRunNotFound) {
		return model.RunSnapshot{}, false, nil
	}
	if err != nil {
		return model.RunSnapshot{}, false, err
	}
	snap, err := s.GetRunSnapshot(ctx, run.RunID)
	if err != nil {
		return model.RunSnapshot{}, false, err
	}
	return snap, true, nil
}

// ListRuns returns up to limit runs, most recently created first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.RunSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.owner, r.repo, r.prompt_version, r.mode, r.budget_json, r.workspace_dir, r.pr_number, r.created_at, r.updated_at,
		       s.state, s.last_error
		FROM runs r JOIN run_states s ON s.run_id = r.run_id
		ORDER BY r.created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "store: list runs")
	}
	defer rows.Close()
	var out []model.RunSnapshot
	for rows.Next() {
		var (
			run        model.Run
			mode       string
			budgetJSON string
			prNumber   sql.NullInt64
			createdAt  string
			updatedAt  string
			state      string
			lastError  sql.NullString
		)
		if err := rows.Scan(&run.RunID, &run.Owner, &run.Repo, &run.PromptVersion, &mode, &budgetJSON, &run.WorkspaceDir, &prNumber, &createdAt, &updatedAt, &state, &lastError); err != nil {
			return nil, errors.Wrap(err, "store: scan listed run")
		}
		run.Mode = model.RunMode(mode)
		budget, err := decodeJSON(budgetJSON)
		if err != nil {
			return nil, err
		}
		run.Budget = budget
		if prNumber.Valid {
			v := prNumber.Int64
			run.PRNumber = &v
		}
		run.CreatedAt = parseTime(createdAt)
		run.UpdatedAt = parseTime(updatedAt)
		out = append(out, model.RunSnapshot{Run: run, State: model.RunState(state), LastError: lastError.String})
	}
	return out, rows.Err()
}

// ListActiveSyncableRuns returns runs in {CI_WAIT, REVIEW_WAIT, ITERATING}
// with a non-null pr_number, the working set for the external
// synchronization engine (spec.md §4.5).
func (s *Store) ListActiveSyncableRuns(ctx context.Context) ([]model.RunSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id FROM runs r
		JOIN run_states s ON s.run_id = r.run_id
		WHERE s.state IN (?, ?, ?) AND r.pr_number IS NOT NULL
	`, string(model.RunStateCIWait), string(model.RunStateReviewWait), string(model.RunStateIterating))
	if err != nil {
		return nil, errors.Wrap(err, "store: list active syncable runs")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "store: scan active run id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.RunSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.GetRunSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// ListArtifacts returns all artifacts for a run, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, run_id, type, uri, metadata_json, created_at FROM artifacts
		WHERE run_id = ? ORDER BY artifact_id ASC
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "store: list artifacts")
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		var kind, metaJSON, createdAt string
		if err := rows.Scan(&a.ArtifactID, &a.RunID, &kind, &a.URI, &metaJSON, &createdAt); err != nil {
			return nil, errors.Wrap(err, "store: scan artifact")
		}
		a.Type = model.ArtifactType(kind)
		meta, err := decodeJSON(metaJSON)
		if err != nil {
			return nil, err
		}
		a.Metadata = meta
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListStepAttempts returns all step attempts for a run, oldest first.
func (s *Store) ListStepAttempts(ctx context.Context, runID string) ([]model.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, run_id, step, attempt_no, exit_code, stdout, stderr, duration_ms, created_at
		FROM step_attempts WHERE run_id = ? ORDER BY attempt_id ASC
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "store: list step attempts")
	}
	defer rows.Close()
	var out []model.StepAttempt
	for rows.Next() {
		var sa model.StepAttempt
		var step, createdAt string
		if err := rows.Scan(&sa.AttemptID, &sa.RunID, &step, &sa.AttemptNo, &sa.ExitCode, &sa.Stdout, &sa.Stderr, &sa.DurationMs, &createdAt); err != nil {
			return nil, errors.Wrap(err, "store: scan step attempt")
		}
		sa.Step = model.StepName(step)
		sa.CreatedAt = parseTime(createdAt)
		out = append(out, sa)
	}
	return out, rows.Err()
}

// CleanupWebhookDeliveries deletes delivery rows received before cutoff,
// bounding the replay-defense table's growth.
func (s *Store) CleanupWebhookDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errors.Wrap(err, "store: cleanup webhook deliveries")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "store: rows affected")
}
