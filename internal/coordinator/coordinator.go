// Package coordinator is the event-sourced coordinator: the sole mutation
// entry point for runs. It ports original_source/orchestrator/service.py's
// OrchestratorService into idiomatic Go, using internal/store for
// transactional persistence and internal/state for transition legality.
package coordinator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/agentpr/orchestrator/internal/clock"
	"github.com/agentpr/orchestrator/internal/idgen"
	"github.com/agentpr/orchestrator/internal/model"
	"github.com/agentpr/orchestrator/internal/state"
	"github.com/agentpr/orchestrator/internal/store"
)

// Coordinator is the orchestrator's sole mutation surface.
type Coordinator struct {
	store *store.Store
	ids   idgen.Generator
	clock clock.Clock
}

// New builds a Coordinator over the given storage engine.
func New(s *store.Store, ids idgen.Generator, clk clock.Clock) *Coordinator {
	return &Coordinator{store: s, ids: ids, clock: clk}
}

// CreateRunInput is the command.run.create payload.
type CreateRunInput struct {
	Owner         string
	Repo          string
	PromptVersion string
	Mode          model.RunMode
	Budget        map[string]any
	RunID         string // optional; generated if empty
	WorkspaceRoot string
}

// CreateRun creates a run, its QUEUED state row, and the founding
// command.run.create event, atomically. command.run.create is the sole
// writer of a run row; it does not go through Apply's resolver since
// there is no prior state to transition from.
func (c *Coordinator) CreateRun(ctx context.Context, input CreateRunInput) (model.RunSnapshot, error) {
	runID := input.RunID
	if runID == "" {
		runID = c.ids.NewRunID()
	}
	mode := input.Mode
	if mode == "" {
		mode = model.RunModePushOnly
	}
	run := model.Run{
		RunID:         runID,
		Owner:         input.Owner,
		Repo:          input.Repo,
		PromptVersion: input.PromptVersion,
		Mode:          mode,
		Budget:        input.Budget,
		WorkspaceDir:  fmt.Sprintf("%s/%s", input.WorkspaceRoot, input.Repo),
	}
	payload := map[string]any{
		"owner":          input.Owner,
		"repo":           input.Repo,
		"prompt_version": input.PromptVersion,
	}
	key := synthesizeKey(model.EventCommandRunCreate, runID, payload)

	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertRun(ctx, run, model.RunStateQueued); err != nil {
			return err
		}
		_, _, err := tx.InsertEvent(ctx, runID, model.EventCommandRunCreate, key, payload)
		return err
	})
	if err != nil {
		return model.RunSnapshot{}, err
	}
	return c.store.GetRunSnapshot(ctx, runID)
}

// Apply is the sole entry point for mutation described in spec.md §4.2. If
// idempotencyKey is empty, one is synthesized from the event type, run id,
// and canonical payload.
func (c *Coordinator) Apply(ctx context.Context, runID string, eventType model.EventType, payload map[string]any, idempotencyKey string) (model.ApplyResult, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	key := idempotencyKey
	if key == "" {
		key = synthesizeKey(eventType, runID, payload)
	}

	var result model.ApplyResult
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		current, _, err := tx.GetState(ctx, runID)
		if err != nil {
			return err
		}

		_, duplicate, err := tx.InsertEvent(ctx, runID, eventType, key, payload)
		if err != nil {
			return err
		}
		if duplicate {
			result = model.ApplyResult{Duplicate: true, RunID: runID, State: current, EventType: eventType}
			return nil
		}

		target, lastError := resolveTarget(current, eventType, payload)
		if target == nil {
			if model.RequiresTransition(eventType) {
				return errors.Wrapf(model.ErrIllegalTransition, "no legal target for %s from %s", eventType, current)
			}
			result = model.ApplyResult{Duplicate: false, RunID: runID, State: current, EventType: eventType}
			return nil
		}

		if err := state.AssertTransition(current, *target); err != nil {
			return err
		}
		if err := tx.SetState(ctx, runID, *target, lastError); err != nil {
			return err
		}
		if err := applySideEffects(ctx, tx, runID, eventType, payload); err != nil {
			return err
		}

		result = model.ApplyResult{Duplicate: false, RunID: runID, State: *target, EventType: eventType}
		return nil
	})
	if err != nil {
		return model.ApplyResult{}, err
	}
	return result, nil
}

// applySideEffects writes the event-specific artifacts spec.md §4.2 step 5
// names: pr_number on command.pr.linked, a contract artifact on
// worker.discovery.completed, a branch artifact on worker.push.completed.
func applySideEffects(ctx context.Context, tx *store.Tx, runID string, eventType model.EventType, payload map[string]any) error {
	switch eventType {
	case model.EventCommandPRLinked:
		prNumber, err := intFromPayload(payload, "pr_number")
		if err != nil {
			return errors.Wrap(err, "coordinator: command.pr.linked missing pr_number")
		}
		return tx.SetPRNumber(ctx, runID, prNumber)

	case model.EventWorkerDiscoveryCompleted:
		contractPath, _ := payload["contract_path"].(string)
		return tx.InsertArtifact(ctx, runID, model.ArtifactContract, contractPath, payload)

	case model.EventWorkerPushCompleted:
		branch, _ := payload["branch"].(string)
		return tx.InsertArtifact(ctx, runID, model.ArtifactBranch, branch, payload)
	}
	return nil
}

func intFromPayload(payload map[string]any, key string) (int64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, errors.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, errors.Errorf("%q is not numeric", key)
	}
}

// synthesizeKey ports service.py's _key: sha1(canonical_json(payload))[:12]
// joined with the event type and run id.
func synthesizeKey(eventType model.EventType, runID string, payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload) // encoding/json sorts map keys.
	if err != nil {
		b = []byte("{}")
	}
	sum := sha1.Sum(b)
	digest := hex.EncodeToString(sum[:])[:12]
	return fmt.Sprintf("%s:%s:%s", eventType, runID, digest)
}

// Snapshot returns the current run + state, or model.ErrRunNotFound.
func (c *Coordinator) Snapshot(ctx context.Context, runID string) (model.RunSnapshot, error) {
	return c.store.GetRunSnapshot(ctx, runID)
}

// ListRuns returns up to limit runs, most recently created first.
func (c *Coordinator) ListRuns(ctx context.Context, limit int) ([]model.RunSnapshot, error) {
	return c.store.ListRuns(ctx, limit)
}

// ListArtifacts returns all artifacts for a run.
func (c *Coordinator) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	return c.store.ListArtifacts(ctx, runID)
}

// ListStepAttempts returns all step attempts for a run.
func (c *Coordinator) ListStepAttempts(ctx context.Context, runID string) ([]model.StepAttempt, error) {
	return c.store.ListStepAttempts(ctx, runID)
}

// AddStepAttempt records one external process invocation.
func (c *Coordinator) AddStepAttempt(ctx context.Context, runID string, step model.StepName, exitCode int, stdout, stderr string, durationMs int64) (int, error) {
	var attemptNo int
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		attemptNo, err = tx.InsertStepAttempt(ctx, runID, step, exitCode, stdout, stderr, durationMs)
		return err
	})
	return attemptNo, err
}

// AddArtifact appends an artifact row outside of event side effects (e.g.
// an agent_runtime_report or run_digest written by the classifier
// boundary).
func (c *Coordinator) AddArtifact(ctx context.Context, runID string, kind model.ArtifactType, uri string, metadata map[string]any) error {
	return c.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertArtifact(ctx, runID, kind, uri, metadata)
	})
}

// Store exposes the underlying storage engine for read-only queries used
// by the sync engine and webhook ingress (e.g. locating a run by PR
// number). Those packages never mutate through it directly; all mutation
// flows back through Apply.
func (c *Coordinator) Store() *store.Store {
	return c.store
}
