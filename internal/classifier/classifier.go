// Package classifier implements the runtime evidence classifier: the pure
// function from a captured agent process result to a grade, reason code,
// and next action. Ported from
// original_source/orchestrator/runtime_analysis.py's
// classify_agent_runtime and apply_retryable_cap.
package classifier

import (
	"strings"

	"github.com/agentpr/orchestrator/internal/model"
)

// PreflightReport is the optional preflight-step result consulted in step
// 1 of the decision order.
type PreflightReport struct {
	Present  bool
	OK       bool
	Failures []string
}

// DiffStats is the diff-size evidence used by the budget check.
type DiffStats struct {
	ChangedFiles int
	AddedLines   int
}

// TestInfra mirrors scan_repo_test_infrastructure's output shape: whether
// the target repository has any detectable test setup at all. The
// classifier takes this as an opaque input; the filesystem scan that
// produces it is the caller's concern, same as diff statistics and the
// preflight report.
type TestInfra struct {
	HasTestDirectory   bool
	HasTestFiles       bool
	HasTestDependencies bool
	HasTestCIWorkflow  bool
}

// HasAny reports whether any test infrastructure signal fired.
func (t TestInfra) HasAny() bool {
	return t.HasTestDirectory || t.HasTestFiles || t.HasTestDependencies || t.HasTestCIWorkflow
}

// Policy is the limits/grading-mode/allowlist/attempt-number block spec.md
// §4.6 takes as input. It is a plain struct, not a loaded-from-disk
// configuration system: JSON policy-file loading with repo overrides is
// explicitly out of scope (spec.md §1).
type Policy struct {
	MinTestCommands      int
	MaxChangedFiles      int
	MaxAddedLines        int
	MaxRetryableAttempts int
	GradingMode          string // "rules", "hybrid", or "hybrid_llm"
	TestFailureAllowlist []string
	RequireTestEvidence  bool
}

// ClassifyInput bundles the captured agent process result and its context.
type ClassifyInput struct {
	ExitCode            int
	Stdout               string
	Stderr               string
	DurationMs           int64
	RunState             model.RunState
	Diff                 DiffStats
	Preflight            *PreflightReport
	ObservedShellCommands []string
	AgentPushDisallowed  bool
	AttemptNo            int
	Policy               Policy
	TestInfra            TestInfra
}

// Classification is the classifier's output.
type Classification struct {
	Grade      model.Grade
	ReasonCode string
	NextAction model.NextAction
	Evidence   map[string]any
}

func classification(grade model.Grade, reasonCode string, next model.NextAction, evidence map[string]any) Classification {
	if evidence == nil {
		evidence = map[string]any{}
	}
	return Classification{Grade: grade, ReasonCode: reasonCode, NextAction: next, Evidence: evidence}
}

// ClassifyAgentRuntime implements the decision order of spec.md §4.6:
// preflight -> safety violations -> push-disallowed -> exit-code
// branching -> retryable cap.
func ClassifyAgentRuntime(in ClassifyInput) Classification {
	combinedOutput := in.Stdout + "\n" + in.Stderr

	// Step 1: preflight.
	if in.Preflight != nil && in.Preflight.Present && !in.Preflight.OK {
		failureText := strings.Join(in.Preflight.Failures, "\n")
		if anyMatch(failureText, retryableFailurePatterns) {
			return ApplyRetryableCap(classification(model.GradeRetryable, "preflight_transient_failure", model.NextActionRetry, map[string]any{
				"preflight_failures": in.Preflight.Failures,
			}), in.AttemptNo, in.Policy.MaxRetryableAttempts)
		}
		return classification(model.GradeHumanReview, "preflight_hard_failure", model.NextActionEscalate, map[string]any{
			"preflight_failures": in.Preflight.Failures,
		})
	}

	// Step 2: safety violations.
	var violations []string
	for _, cmd := range in.ObservedShellCommands {
		if matched := matchAny(cmd, safetyViolationPatterns); len(matched) > 0 {
			violations = append(violations, cmd)
		}
	}
	if len(violations) > 0 {
		return classification(model.GradeHumanReview, "safety_violation", model.NextActionEscalate, map[string]any{
			"violating_commands": violations,
		})
	}

	// Step 3: agent push disallowed.
	if in.AgentPushDisallowed {
		for _, cmd := range in.ObservedShellCommands {
			if anyMatch(cmd, agentPushCommandPatterns) {
				return classification(model.GradeHumanReview, "agent_push_disallowed", model.NextActionEscalate, map[string]any{
					"command": cmd,
				})
			}
		}
	}

	// Step 4: exit code 0.
	if in.ExitCode == 0 {
		return classifySuccess(in, combinedOutput)
	}

	// Step 5: non-zero exit.
	return classifyFailure(in, combinedOutput)
}

func classifySuccess(in ClassifyInput, combinedOutput string) Classification {
	allowlistMatches := matchAllowlistedTestFailures(combinedOutput, in.Policy.TestFailureAllowlist)
	allowlistCleared := len(allowlistMatches) > 0
	recoveredFailures := failedTestMarkerPattern.MatchString(combinedOutput)

	observedTestCommands := countMatches(in.ObservedShellCommands, testCommandPatterns)

	if in.Policy.RequireTestEvidence && observedTestCommands < in.Policy.MinTestCommands {
		reason := "insufficient_test_evidence"
		if in.Policy.MinTestCommands >= 1 && observedTestCommands == 0 {
			reason = "missing_test_evidence"
		}
		return classification(model.GradeHumanReview, reason, model.NextActionEscalate, map[string]any{
			"observed_test_commands": observedTestCommands,
			"min_test_commands":      in.Policy.MinTestCommands,
		})
	}

	if in.Diff.ChangedFiles > in.Policy.MaxChangedFiles || in.Diff.AddedLines > in.Policy.MaxAddedLines {
		return classification(model.GradeHumanReview, "diff_budget_exceeded", model.NextActionEscalate, map[string]any{
			"changed_files": in.Diff.ChangedFiles,
			"added_lines":   in.Diff.AddedLines,
		})
	}

	reasonCode := "runtime_success"
	switch {
	case allowlistCleared:
		reasonCode = "runtime_success_allowlisted_test_failures"
	case recoveredFailures:
		reasonCode = "runtime_success_recovered_test_failures"
	}

	return classification(model.GradePass, reasonCode, model.NextActionAdvance, map[string]any{
		"observed_test_commands":  observedTestCommands,
		"allowlist_matches":       allowlistMatches,
		"recovered_test_failures": recoveredFailures,
	})
}

func classifyFailure(in ClassifyInput, combinedOutput string) Classification {
	if matched := matchAny(combinedOutput, hardFailurePatterns); len(matched) > 0 {
		return classification(model.GradeHumanReview, "runtime_hard_failure", model.NextActionEscalate, map[string]any{
			"matched_patterns": matched,
		})
	}
	if matched := matchAny(combinedOutput, retryableFailurePatterns); len(matched) > 0 {
		return ApplyRetryableCap(classification(model.GradeRetryable, "runtime_transient_failure", model.NextActionRetry, map[string]any{
			"matched_patterns": matched,
		}), in.AttemptNo, in.Policy.MaxRetryableAttempts)
	}
	return ApplyRetryableCap(classification(model.GradeRetryable, "runtime_unknown_failure", model.NextActionRetry, nil), in.AttemptNo, in.Policy.MaxRetryableAttempts)
}

// ApplyRetryableCap rewrites a RETRYABLE classification to HUMAN_REVIEW
// once attempt_no exceeds maxRetryableAttempts, preserving the original
// reason code in evidence under "original_reason_code" (spec.md §4.6 step
// 6; field name chosen per runtime_analysis.py's apply_retryable_cap).
func ApplyRetryableCap(c Classification, attemptNo, maxRetryableAttempts int) Classification {
	if c.Grade != model.GradeRetryable {
		return c
	}
	if maxRetryableAttempts <= 0 || attemptNo <= maxRetryableAttempts {
		return c
	}
	evidence := map[string]any{}
	for k, v := range c.Evidence {
		evidence[k] = v
	}
	evidence["original_reason_code"] = c.ReasonCode
	evidence["attempt_no"] = attemptNo
	evidence["max_retryable_attempts"] = maxRetryableAttempts
	return classification(model.GradeHumanReview, "retryable_limit_exceeded", model.NextActionEscalate, evidence)
}
