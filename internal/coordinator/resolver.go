package coordinator

import (
	"fmt"

	"github.com/agentpr/orchestrator/internal/model"
	"github.com/agentpr/orchestrator/internal/state"
)

// resolveTarget is the event -> target-state resolver of spec.md §4.3,
// ported from original_source/orchestrator/service.py's
// OrchestratorService._resolve_target. A nil target means "no transition
// resolved": for events in model.RequiresTransition, the caller turns that
// into IllegalTransition; for all other events it's a legitimate no-op.
// A non-nil target equal to the current state is a self-transition no-op,
// used for the gated "else stay put" rules (e.g. command.start.discovery
// from an ungated state).
func resolveTarget(current model.RunState, eventType model.EventType, payload map[string]any) (target *model.RunState, lastError string) {
	switch eventType {
	case model.EventCommandStartDiscovery:
		if current == model.RunStateQueued || current == model.RunStatePaused || current == model.RunStateFailedRetryable {
			return ptr(model.RunStateDiscovery), ""
		}
		return ptr(current), ""

	case model.EventWorkerDiscoveryCompleted:
		if current == model.RunStateQueued {
			return nil, ""
		}
		return ptr(model.RunStatePlanReady), ""

	case model.EventCommandStartImplementation:
		if current == model.RunStatePlanReady || current == model.RunStateIterating || current == model.RunStatePaused {
			return ptr(model.RunStateImplementing), ""
		}
		return ptr(current), ""

	case model.EventCommandLocalValidationPassed:
		if current == model.RunStateImplementing || current == model.RunStateIterating || current == model.RunStatePaused {
			return ptr(model.RunStateLocalValidating), ""
		}
		return ptr(current), ""

	case model.EventWorkerPushCompleted:
		return ptr(model.RunStatePushed), ""

	case model.EventCommandPRLinked:
		return ptr(model.RunStateCIWait), ""

	case model.EventWorkerStepFailed:
		step, _ := payload["step"].(string)
		reasonCode, _ := payload["reason_code"].(string)
		message, _ := payload["message"].(string)
		return ptr(model.RunStateFailedRetryable), fmt.Sprintf("%s:%s:%s", step, reasonCode, message)

	case model.EventGithubCheckCompleted:
		conclusion, _ := payload["conclusion"].(string)
		if conclusion == "success" || conclusion == "neutral" || conclusion == "skipped" {
			return ptr(model.RunStateReviewWait), ""
		}
		return ptr(model.RunStateIterating), ""

	case model.EventGithubReviewSubmitted:
		reviewState, _ := payload["state"].(string)
		if reviewState == "changes_requested" {
			return ptr(model.RunStateIterating), ""
		}
		return nil, ""

	case model.EventCommandMarkDone:
		if current == model.RunStatePushed || current == model.RunStateReviewWait || current == model.RunStateNeedsHumanReview {
			return ptr(model.RunStateDone), ""
		}
		return ptr(current), ""

	case model.EventCommandPause:
		if state.IsTerminal(current) {
			return nil, ""
		}
		return ptr(model.RunStatePaused), ""

	case model.EventCommandResume, model.EventCommandRetry:
		targetState, ok := payload["target_state"].(string)
		if !ok || targetState == "" {
			return nil, ""
		}
		t := model.RunState(targetState)
		return &t, ""

	case model.EventTimerTimeout:
		step, _ := payload["step"].(string)
		return ptr(model.RunStateFailedRetryable), fmt.Sprintf("timeout:%s", step)

	default:
		return nil, ""
	}
}

func ptr(s model.RunState) *model.RunState {
	return &s
}
