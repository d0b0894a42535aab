package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentpr/orchestrator/internal/model"
)

// EventToApply is one coordinator event the synchronization engine has
// decided to submit, matching spec.md §6's
// synchronize(run_snapshot, pr_view_json) -> list<event_to_apply>.
type EventToApply struct {
	RunID          string
	EventType      model.EventType
	Payload        map[string]any
	IdempotencyKey string
}

// Applier is the subset of the coordinator the sync engine needs to submit
// decisions; Engine depends on this interface rather than
// *coordinator.Coordinator so the package has no import cycle back to
// internal/coordinator.
type Applier interface {
	Apply(ctx context.Context, runID string, eventType model.EventType, payload map[string]any, idempotencyKey string) (model.ApplyResult, error)
}

// ActiveRunLister is the read surface the engine needs from storage.
type ActiveRunLister interface {
	ListActiveSyncableRuns(ctx context.Context) ([]model.RunSnapshot, error)
}

// Synchronize is the pure decision function: given a run snapshot and a
// fetched PR view, it returns the events that should be applied. It
// performs no I/O and does not itself call the coordinator.
func Synchronize(snapshot model.RunSnapshot, view PRView) []EventToApply {
	decision := BuildSyncDecision(view)
	var events []EventToApply

	if decision.CheckConclusion != "" {
		events = append(events, EventToApply{
			RunID:          snapshot.Run.RunID,
			EventType:      model.EventGithubCheckCompleted,
			Payload:        map[string]any{"conclusion": decision.CheckConclusion},
			IdempotencyKey: fmt.Sprintf("sync:check:%s:%d:%s", snapshot.Run.RunID, view.Number, decision.CheckConclusion),
		})
	}
	if decision.ReviewState != "" {
		events = append(events, EventToApply{
			RunID:          snapshot.Run.RunID,
			EventType:      model.EventGithubReviewSubmitted,
			Payload:        map[string]any{"state": decision.ReviewState},
			IdempotencyKey: fmt.Sprintf("sync:review:%s:%d:%s", snapshot.Run.RunID, view.Number, decision.ReviewState),
		})
	}
	return events
}

// Engine drives the periodic synchronization tick described in spec.md
// §4.5: list active runs, fetch each PR view, decide, apply. This is the
// Go analogue of the teacher's server/poller.go pollAgentStatuses loop,
// generalized from Mattermost agent records to orchestrator runs.
type Engine struct {
	coordinator Applier
	runs        ActiveRunLister
	hosting     HostingClient
	log         *zap.SugaredLogger
}

// NewEngine builds a sync Engine. runs is typically the coordinator's
// underlying *store.Store, which already implements ActiveRunLister.
func NewEngine(coordinator Applier, runs ActiveRunLister, hosting HostingClient, log *zap.SugaredLogger) *Engine {
	return &Engine{coordinator: coordinator, runs: runs, hosting: hosting, log: log}
}

// Tick runs one synchronization pass over every active run.
func (e *Engine) Tick(ctx context.Context) error {
	runs, err := e.runs.ListActiveSyncableRuns(ctx)
	if err != nil {
		return err
	}
	for _, snap := range runs {
		if snap.Run.PRNumber == nil {
			continue
		}
		e.syncOne(ctx, snap)
	}
	return nil
}

func (e *Engine) syncOne(ctx context.Context, snap model.RunSnapshot) {
	tctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	view, err := e.hosting.FetchPullRequestView(tctx, snap.Run.Owner, snap.Run.Repo, *snap.Run.PRNumber)
	if err != nil {
		if e.log != nil {
			e.log.Warnw("sync: fetch pr view failed", "run_id", snap.Run.RunID, "error", err)
		}
		return
	}
	for _, ev := range Synchronize(snap, view) {
		if _, err := e.coordinator.Apply(ctx, ev.RunID, ev.EventType, ev.Payload, ev.IdempotencyKey); err != nil {
			if e.log != nil {
				e.log.Warnw("sync: apply event failed", "run_id", ev.RunID, "event_type", ev.EventType, "error", err)
			}
		}
	}
}
