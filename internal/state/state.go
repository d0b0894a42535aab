// Package state implements the run-lifecycle state machine: the legal
// transition table, assertion, terminal-state predicate, and the sorted
// list of legal targets from a given state. The table is a flat map
// literal, not an inheritance hierarchy, per spec.md §9's guidance that
// the transition table is "best expressed as a flat lookup."
package state

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/agentpr/orchestrator/internal/model"
)

// allowedTransitions is the transition table from spec.md §4.1.
var allowedTransitions = map[model.RunState]map[model.RunState]bool{
	model.RunStateQueued: set(
		model.RunStateDiscovery,
		model.RunStatePaused,
		model.RunStateSkipped,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
	),
	model.RunStateDiscovery: set(
		model.RunStatePlanReady,
		model.RunStatePaused,
		model.RunStateSkipped,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
		model.RunStateNeedsHumanReview,
	),
	model.RunStatePlanReady: set(
		model.RunStateImplementing,
		model.RunStatePaused,
		model.RunStateSkipped,
		model.RunStateFailedRetryable,
		model.RunStateNeedsHumanReview,
	),
	model.RunStateImplementing: set(
		model.RunStateLocalValidating,
		model.RunStatePaused,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
		model.RunStateNeedsHumanReview,
	),
	model.RunStateLocalValidating: set(
		model.RunStatePushed,
		model.RunStatePaused,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
		model.RunStateNeedsHumanReview,
	),
	model.RunStatePushed: set(
		model.RunStateCIWait,
		model.RunStatePaused,
		model.RunStateNeedsHumanReview,
		model.RunStateDone,
	),
	model.RunStateCIWait: set(
		model.RunStateReviewWait,
		model.RunStateIterating,
		model.RunStatePaused,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
		model.RunStateNeedsHumanReview,
	),
	model.RunStateReviewWait: set(
		model.RunStateIterating,
		model.RunStatePaused,
		model.RunStateDone,
		model.RunStateFailedRetryable,
		model.RunStateNeedsHumanReview,
	),
	model.RunStateIterating: set(
		model.RunStateImplementing,
		model.RunStateLocalValidating,
		model.RunStatePaused,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
		model.RunStateNeedsHumanReview,
	),
	model.RunStatePaused: set(
		model.RunStateDiscovery,
		model.RunStatePlanReady,
		model.RunStateImplementing,
		model.RunStateLocalValidating,
		model.RunStatePushed,
		model.RunStateCIWait,
		model.RunStateReviewWait,
		model.RunStateIterating,
		model.RunStateNeedsHumanReview,
		model.RunStateSkipped,
		model.RunStateFailedRetryable,
		model.RunStateFailedTerminal,
	),
	model.RunStateNeedsHumanReview: set(
		model.RunStateImplementing,
		model.RunStateIterating,
		model.RunStatePaused,
		model.RunStateSkipped,
		model.RunStateDone,
		model.RunStateFailedTerminal,
	),
	model.RunStateFailedRetryable: set(
		model.RunStateDiscovery,
		model.RunStateImplementing,
		model.RunStateLocalValidating,
		model.RunStateIterating,
		model.RunStateNeedsHumanReview,
		model.RunStateSkipped,
		model.RunStateFailedTerminal,
	),
	model.RunStateDone:           set(),
	model.RunStateSkipped:        set(),
	model.RunStateFailedTerminal: set(),
}

var terminalStates = map[model.RunState]bool{
	model.RunStateDone:           true,
	model.RunStateSkipped:        true,
	model.RunStateFailedTerminal: true,
}

func set(states ...model.RunState) map[model.RunState]bool {
	m := make(map[model.RunState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether target is a legal transition from source.
func CanTransition(source, target model.RunState) bool {
	targets, ok := allowedTransitions[source]
	if !ok {
		return false
	}
	return targets[target]
}

// AssertTransition returns model.ErrIllegalTransition if target is not
// legal from source. Self-transitions are always legal no-ops.
func AssertTransition(source, target model.RunState) error {
	if source == target {
		return nil
	}
	if !CanTransition(source, target) {
		return errors.Wrapf(model.ErrIllegalTransition, "%s -> %s", source, target)
	}
	return nil
}

// IsTerminal reports whether state has no outgoing transitions.
func IsTerminal(s model.RunState) bool {
	return terminalStates[s]
}

// AllowedTargets returns the sorted list of states legally reachable from
// source, for diagnostics and tests.
func AllowedTargets(source model.RunState) []model.RunState {
	targets := allowedTransitions[source]
	out := make([]model.RunState, 0, len(targets))
	for t := range targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
