package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeStatusChecks_Buckets(t *testing.T) {
	rollup := []StatusCheck{
		{Conclusion: "failure"},
		{Conclusion: "success"},
		{State: "in_progress"},
		{Conclusion: "weird", State: "weird"},
	}
	summary := SummarizeStatusChecks(rollup)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, 1, summary.Successes)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 1, summary.Unknown)
}

func TestDecideCheckConclusion_FailurePrecedesPendingPrecedesSuccess(t *testing.T) {
	assert.Equal(t, "failure", DecideCheckConclusion(CheckSummary{Total: 3, Failures: 1, Pending: 1, Successes: 1}))
	assert.Equal(t, "", DecideCheckConclusion(CheckSummary{Total: 2, Pending: 1, Successes: 1}))
	assert.Equal(t, "success", DecideCheckConclusion(CheckSummary{Total: 2, Successes: 1, Unknown: 1}))
	assert.Equal(t, "", DecideCheckConclusion(CheckSummary{}))
}

func TestDecideReviewState_PrefersReviewDecision(t *testing.T) {
	view := PRView{ReviewDecision: "changes_requested", Reviews: []Review{{State: "approved"}}}
	assert.Equal(t, "changes_requested", DecideReviewState(view))
}

func TestDecideReviewState_ScansReviewsNewestToOldest(t *testing.T) {
	view := PRView{Reviews: []Review{
		{State: "changes_requested"},
		{State: "commented"},
		{State: "approved"},
	}}
	assert.Equal(t, "approved", DecideReviewState(view))
}

func TestDecideReviewState_NoReviewsOrRollupYieldsNoDecision(t *testing.T) {
	view := PRView{}
	assert.Equal(t, "", DecideReviewState(view))
	assert.Equal(t, "", DecideCheckConclusion(SummarizeStatusChecks(view.StatusCheckRollup)))
}

func TestSynchronize_NoRollupNoReviewsYieldsZeroEvents(t *testing.T) {
	events := Synchronize(testSnapshot(), PRView{})
	assert.Empty(t, events)
}

func TestSynchronize_FailureConclusionEmitsCheckCompletedEvent(t *testing.T) {
	events := Synchronize(testSnapshot(), PRView{
		Number:            7,
		StatusCheckRollup: []StatusCheck{{Conclusion: "failure"}},
	})
	assert.Len(t, events, 1)
	assert.Equal(t, "failure", events[0].Payload["conclusion"])
}

func TestSynchronize_ChangesRequestedEmitsReviewSubmittedEvent(t *testing.T) {
	events := Synchronize(testSnapshot(), PRView{
		Number:         7,
		ReviewDecision: "changes_requested",
	})
	assert.Len(t, events, 1)
	assert.Equal(t, "changes_requested", events[0].Payload["state"])
}
