package coordinator

import (
	"context"

	"github.com/agentpr/orchestrator/internal/model"
)

// The following are thin convenience wrappers over Apply, one per event
// type, mirroring service.py's per-event helper methods
// (start_discovery, mark_plan_ready, ...). Each builds its own payload and
// lets Apply synthesize the idempotency key.

func (c *Coordinator) StartDiscovery(ctx context.Context, runID string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandStartDiscovery, nil, "")
}

func (c *Coordinator) MarkPlanReady(ctx context.Context, runID, contractPath string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventWorkerDiscoveryCompleted, map[string]any{"contract_path": contractPath}, "")
}

func (c *Coordinator) StartImplementation(ctx context.Context, runID string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandStartImplementation, nil, "")
}

func (c *Coordinator) MarkLocalValidationPassed(ctx context.Context, runID string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandLocalValidationPassed, nil, "")
}

func (c *Coordinator) RecordPushCompleted(ctx context.Context, runID, branch string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventWorkerPushCompleted, map[string]any{"branch": branch}, "")
}

func (c *Coordinator) LinkPR(ctx context.Context, runID string, prNumber int64) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandPRLinked, map[string]any{"pr_number": prNumber}, "")
}

func (c *Coordinator) RecordStepFailure(ctx context.Context, runID, step, reasonCode, message string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventWorkerStepFailed, map[string]any{
		"step": step, "reason_code": reasonCode, "message": message,
	}, "")
}

func (c *Coordinator) RecordGithubCheck(ctx context.Context, runID, deliveryKey, conclusion string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventGithubCheckCompleted, map[string]any{"conclusion": conclusion}, deliveryKey)
}

func (c *Coordinator) RecordReview(ctx context.Context, runID, deliveryKey, reviewState string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventGithubReviewSubmitted, map[string]any{"state": reviewState}, deliveryKey)
}

func (c *Coordinator) MarkDone(ctx context.Context, runID string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandMarkDone, nil, "")
}

func (c *Coordinator) PauseRun(ctx context.Context, runID string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandPause, nil, "")
}

func (c *Coordinator) ResumeRun(ctx context.Context, runID string, targetState model.RunState) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandResume, map[string]any{"target_state": string(targetState)}, "")
}

func (c *Coordinator) RetryRun(ctx context.Context, runID string, targetState model.RunState) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventCommandRetry, map[string]any{"target_state": string(targetState)}, "")
}

func (c *Coordinator) RecordTimeout(ctx context.Context, runID, step string) (model.ApplyResult, error) {
	return c.Apply(ctx, runID, model.EventTimerTimeout, map[string]any{"step": step}, "")
}
