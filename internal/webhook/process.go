package webhook

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/agentpr/orchestrator/internal/model"
)

// outcome mirrors github_webhook.py's WebhookOutcome.
type outcome struct {
	OK                bool
	Event             string
	Delivery          string
	Processed         int
	Ignored           int
	RetryableFailures int
	Failures          []map[string]any
	Results           []map[string]any
}

func (o outcome) toMap() map[string]any {
	return map[string]any{
		"ok":                 o.OK,
		"event":              o.Event,
		"delivery":           o.Delivery,
		"processed":          o.Processed,
		"ignored":            o.Ignored,
		"retryable_failures": o.RetryableFailures,
		"failures":           o.Failures,
		"results":            o.Results,
	}
}

// process implements spec.md §4.4 steps 7-9, ported from
// process_github_webhook_event.
func (s *Server) process(ctx context.Context, event, delivery string, payload map[string]any) outcome {
	identity, ok := extractRepoIdentity(payload)
	if !ok {
		return outcome{
			OK: true, Event: event, Delivery: delivery, Ignored: 1,
			Results: []map[string]any{{"message": "missing repository identity in payload"}},
		}
	}

	prNumbers := extractPRNumbers(event, payload)
	if len(prNumbers) == 0 {
		return outcome{
			OK: true, Event: event, Delivery: delivery, Ignored: 1,
			Results: []map[string]any{{"message": "no PR association in payload"}},
		}
	}

	var failures, results []map[string]any
	processed, ignored := 0, 0

	for index, prNumber := range prNumbers {
		snapshot, found, err := s.runs.GetLatestRunSnapshotByRepoAndPRNumber(ctx, identity.Owner, identity.Repo, prNumber)
		if err != nil || !found {
			ignored++
			recordDelivery("ignored")
			results = append(results, map[string]any{
				"repo": identity.Owner + "/" + identity.Repo, "pr_number": prNumber,
				"message": "no run found for pr_number",
			})
			continue
		}

		applied := s.applyEventToRun(ctx, snapshot.Run.RunID, prNumber, event, delivery, index, payload)
		switch {
		case applied["ok"] == true:
			processed++
			recordDelivery("processed")
			results = append(results, applied)
		case applied["ignored"] == true:
			ignored++
			recordDelivery("ignored")
			results = append(results, applied)
		default:
			recordDelivery("failure")
			failures = append(failures, applied)
		}
	}

	retryable := 0
	for _, f := range failures {
		if r, _ := f["retryable"].(bool); r {
			retryable++
		}
	}

	return outcome{
		OK: len(failures) == 0, Event: event, Delivery: delivery,
		Processed: processed, Ignored: ignored, RetryableFailures: retryable,
		Failures: failures, Results: results,
	}
}

// applyEventToRun ports apply_event_to_run.
func (s *Server) applyEventToRun(ctx context.Context, runID string, prNumber int64, event, delivery string, index int, payload map[string]any) map[string]any {
	prefix := fmt.Sprintf("gh-webhook:%s:%s:%d:%d", delivery, event, prNumber, index)

	if event == eventPullRequestReview {
		state := reviewState(payload)
		if state != "changes_requested" {
			msg := state
			if msg == "" {
				msg = "unknown"
			}
			return map[string]any{
				"ok": true, "ignored": true, "run_id": runID, "pr_number": prNumber,
				"message": "review state ignored: " + msg,
			}
		}
		key := fmt.Sprintf("%s:review:%s", prefix, state)
		result, err := s.coordinator.Apply(ctx, runID, model.EventGithubReviewSubmitted, map[string]any{"state": state}, key)
		return applyResultToMap(runID, prNumber, result, err)
	}

	conclusion, ok := resolveCheckConclusion(event, payload)
	if !ok {
		return map[string]any{
			"ok": true, "ignored": true, "run_id": runID, "pr_number": prNumber,
			"message": "no actionable check conclusion",
		}
	}
	key := fmt.Sprintf("%s:check:%s", prefix, conclusion)
	result, err := s.coordinator.Apply(ctx, runID, model.EventGithubCheckCompleted, map[string]any{"conclusion": conclusion}, key)
	out := applyResultToMap(runID, prNumber, result, err)
	if err == nil {
		out["conclusion"] = conclusion
	}
	return out
}

func applyResultToMap(runID string, prNumber int64, result model.ApplyResult, err error) map[string]any {
	if err != nil {
		if errors.Is(err, model.ErrIllegalTransition) {
			return map[string]any{
				"ok": true, "ignored": true, "run_id": runID, "pr_number": prNumber,
				"message": "ignored invalid transition: " + err.Error(),
			}
		}
		return map[string]any{
			"ok": false, "retryable": true, "run_id": runID, "pr_number": prNumber,
			"error": "unexpected error: " + err.Error(),
		}
	}
	return map[string]any{
		"ok": true, "run_id": runID, "pr_number": prNumber,
		"event": string(result.EventType), "state": string(result.State),
	}
}
