// Package sync implements the external synchronization engine: pulling the
// PR/CI/review view from the hosting service and folding it back into the
// coordinator as events. Ported from
// original_source/orchestrator/github_sync.py.
package sync

import "strings"

var (
	failureConclusions = map[string]bool{
		"failure": true, "timed_out": true, "cancelled": true,
		"action_required": true, "startup_failure": true, "stale": true,
	}
	successConclusions = map[string]bool{"success": true, "neutral": true, "skipped": true}
	pendingStates      = map[string]bool{
		"queued": true, "in_progress": true, "pending": true, "waiting": true, "requested": true,
	}
	failureStates = map[string]bool{"failure": true, "error": true}
)

// CheckSummary buckets a status-check rollup into totals.
type CheckSummary struct {
	Total      int
	Successes  int
	Failures   int
	Pending    int
	Unknown    int
}

// Decision is the outcome of evaluating one PR-view payload.
type Decision struct {
	CheckConclusion string // "", "success", or "failure"
	ReviewState     string // "", "approved", "changes_requested", "commented", "dismissed"
	CheckSummary    CheckSummary
}

// StatusCheck is one entry in a PR view's statusCheckRollup list.
type StatusCheck struct {
	Conclusion string
	State      string
}

// Review is one entry in a PR view's reviews list.
type Review struct {
	State string
}

// PRView is the subset of the hosting service's PR-view schema the sync
// engine consumes (spec.md §6's sync-engine consumption contract).
type PRView struct {
	Number           int64
	StatusCheckRollup []StatusCheck
	ReviewDecision   string
	Reviews          []Review
}

// BuildSyncDecision evaluates a PR view into a check conclusion and review
// state decision, per spec.md §4.5.
func BuildSyncDecision(view PRView) Decision {
	summary := SummarizeStatusChecks(view.StatusCheckRollup)
	return Decision{
		CheckConclusion: DecideCheckConclusion(summary),
		ReviewState:     DecideReviewState(view),
		CheckSummary:    summary,
	}
}

// SummarizeStatusChecks buckets every rollup entry into exactly one of
// failure/success/pending/unknown.
func SummarizeStatusChecks(rollup []StatusCheck) CheckSummary {
	summary := CheckSummary{Total: len(rollup)}
	for _, item := range rollup {
		conclusion := normalizeToken(item.Conclusion)
		state := normalizeToken(item.State)
		switch {
		case failureConclusions[conclusion] || failureStates[state]:
			summary.Failures++
		case successConclusions[conclusion]:
			summary.Successes++
		case pendingStates[state]:
			summary.Pending++
		default:
			summary.Unknown++
		}
	}
	return summary
}

// DecideCheckConclusion applies the precedence rule from spec.md §4.5:
// any failure wins; else any pending defers; else all-success-or-unknown
// (with at least one entry) succeeds; else defer.
func DecideCheckConclusion(summary CheckSummary) string {
	if summary.Failures > 0 {
		return "failure"
	}
	if summary.Pending > 0 {
		return ""
	}
	if summary.Total > 0 && summary.Successes+summary.Unknown == summary.Total {
		return "success"
	}
	return ""
}

// DecideReviewState prefers reviewDecision=="changes_requested"; otherwise
// scans reviews newest to oldest for the first recognized state.
func DecideReviewState(view PRView) string {
	if normalizeToken(view.ReviewDecision) == "changes_requested" {
		return "changes_requested"
	}
	for i := len(view.Reviews) - 1; i >= 0; i-- {
		s := normalizeToken(view.Reviews[i].State)
		if s == "changes_requested" {
			return s
		}
		if s == "approved" || s == "commented" || s == "dismissed" {
			return s
		}
	}
	return ""
}

func normalizeToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
