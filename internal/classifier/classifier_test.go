package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentpr/orchestrator/internal/model"
)

func defaultPolicy() Policy {
	return Policy{
		MinTestCommands:      1,
		MaxChangedFiles:      20,
		MaxAddedLines:        2000,
		MaxRetryableAttempts: 3,
		GradingMode:          "rules",
		RequireTestEvidence:  true,
	}
}

func TestClassifyAgentRuntime_ExitZeroWithTestsPasses(t *testing.T) {
	in := ClassifyInput{
		ExitCode:              0,
		Stdout:                "5 passed in 1.2s",
		ObservedShellCommands: []string{"pytest -q"},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradePass, got.Grade)
	assert.Equal(t, "runtime_success", got.ReasonCode)
	assert.Equal(t, model.NextActionAdvance, got.NextAction)
}

func TestClassifyAgentRuntime_ExitZeroLintOnlyNoTestInfraFailsRulesOnly(t *testing.T) {
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"ruff check ."},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "missing_test_evidence", got.ReasonCode)
}

func TestApplySemanticRuntimeGrading_HybridUpgradesNoTestInfraSmallDiff(t *testing.T) {
	policy := defaultPolicy()
	policy.GradingMode = "hybrid"
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"ruff check ."},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                policy,
	}
	rules := ClassifyAgentRuntime(in)
	assert.Equal(t, "missing_test_evidence", rules.ReasonCode)

	upgraded := ApplySemanticRuntimeGrading(context.Background(), rules, in, "", NoOracle{})
	assert.Equal(t, model.GradePass, upgraded.Grade)
	assert.Equal(t, "runtime_success_no_test_infra_with_validation", upgraded.ReasonCode)
}

func TestApplySemanticRuntimeGrading_DoesNotUpgradeWhenTestInfraPresent(t *testing.T) {
	policy := defaultPolicy()
	policy.GradingMode = "hybrid"
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"ruff check ."},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                policy,
		TestInfra:             TestInfra{HasTestDirectory: true},
	}
	rules := ClassifyAgentRuntime(in)
	upgraded := ApplySemanticRuntimeGrading(context.Background(), rules, in, "", NoOracle{})
	assert.Equal(t, model.GradeHumanReview, upgraded.Grade)
}

func TestApplySemanticRuntimeGrading_DoesNotUpgradeWhenRulesModeOnly(t *testing.T) {
	policy := defaultPolicy()
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"ruff check ."},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                policy,
	}
	rules := ClassifyAgentRuntime(in)
	upgraded := ApplySemanticRuntimeGrading(context.Background(), rules, in, "", NoOracle{})
	assert.Equal(t, rules, upgraded)
}

type stubOracle struct {
	pass bool
	err  error
}

func (s stubOracle) Judge(context.Context, ClassifyInput, string, string) (bool, error) {
	return s.pass, s.err
}

func TestApplySemanticRuntimeGrading_HybridLLMOraclePassSupersedesHeuristic(t *testing.T) {
	policy := defaultPolicy()
	policy.GradingMode = "hybrid_llm"
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: nil,
		Diff:                  DiffStats{ChangedFiles: 50, AddedLines: 4000},
		Policy:                policy,
		TestInfra:             TestInfra{HasTestDirectory: true},
	}
	rules := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, rules.Grade)

	upgraded := ApplySemanticRuntimeGrading(context.Background(), rules, in, "", stubOracle{pass: true})
	assert.Equal(t, model.GradePass, upgraded.Grade)
	assert.Equal(t, "runtime_success_no_test_infra_with_validation", upgraded.ReasonCode)
}

func TestApplySemanticRuntimeGrading_HybridLLMOracleNonPassKeepsRulesVerdict(t *testing.T) {
	policy := defaultPolicy()
	policy.GradingMode = "hybrid_llm"
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"ruff check ."},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                policy,
	}
	rules := ClassifyAgentRuntime(in)
	upgraded := ApplySemanticRuntimeGrading(context.Background(), rules, in, "", stubOracle{pass: false})
	assert.Equal(t, model.GradeHumanReview, upgraded.Grade)
	assert.Equal(t, rules.ReasonCode, upgraded.ReasonCode)
}

func TestClassifyAgentRuntime_HardFailureEscalates(t *testing.T) {
	in := ClassifyInput{
		ExitCode: 1,
		Stderr:   "fatal: repository not found",
		Policy:   defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "runtime_hard_failure", got.ReasonCode)
	assert.Equal(t, model.NextActionEscalate, got.NextAction)
}

func TestClassifyAgentRuntime_RetryableFailureBelowCapStaysRetryable(t *testing.T) {
	in := ClassifyInput{
		ExitCode:  1,
		Stderr:    "connection reset by peer",
		AttemptNo: 2,
		Policy:    defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeRetryable, got.Grade)
	assert.Equal(t, "runtime_transient_failure", got.ReasonCode)
	assert.Equal(t, model.NextActionRetry, got.NextAction)
}

func TestClassifyAgentRuntime_RetryableFailureAtCapStaysRetryable(t *testing.T) {
	in := ClassifyInput{
		ExitCode:  1,
		Stderr:    "connection reset by peer",
		AttemptNo: 3,
		Policy:    defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeRetryable, got.Grade)
}

func TestClassifyAgentRuntime_RetryableFailureOverCapEscalates(t *testing.T) {
	in := ClassifyInput{
		ExitCode:  1,
		Stderr:    "connection reset by peer",
		AttemptNo: 4,
		Policy:    defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "retryable_limit_exceeded", got.ReasonCode)
	assert.Equal(t, model.NextActionEscalate, got.NextAction)
	assert.Equal(t, "runtime_transient_failure", got.Evidence["original_reason_code"])
}

func TestClassifyAgentRuntime_UnknownFailureIsRetryable(t *testing.T) {
	in := ClassifyInput{
		ExitCode: 1,
		Stderr:   "something bizarre happened",
		Policy:   defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeRetryable, got.Grade)
	assert.Equal(t, "runtime_unknown_failure", got.ReasonCode)
}

func TestClassifyAgentRuntime_SafetyViolationEscalatesBeforeExitCodeCheck(t *testing.T) {
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"sudo apt-get install foo"},
		Policy:                defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "safety_violation", got.ReasonCode)
}

func TestClassifyAgentRuntime_AgentPushDisallowedEscalates(t *testing.T) {
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"git push origin HEAD"},
		AgentPushDisallowed:   true,
		Policy:                defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "agent_push_disallowed", got.ReasonCode)
}

func TestClassifyAgentRuntime_PreflightHardFailureEscalates(t *testing.T) {
	in := ClassifyInput{
		ExitCode:  0,
		Preflight: &PreflightReport{Present: true, OK: false, Failures: []string{"repository not found"}},
		Policy:    defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "preflight_hard_failure", got.ReasonCode)
}

func TestClassifyAgentRuntime_PreflightTransientFailureIsRetryable(t *testing.T) {
	in := ClassifyInput{
		ExitCode:  0,
		Preflight: &PreflightReport{Present: true, OK: false, Failures: []string{"connection timed out"}},
		AttemptNo: 1,
		Policy:    defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeRetryable, got.Grade)
	assert.Equal(t, "preflight_transient_failure", got.ReasonCode)
}

func TestClassifyAgentRuntime_ExitZeroAllowlistedTestFailuresPasses(t *testing.T) {
	policy := defaultPolicy()
	policy.TestFailureAllowlist = []string{"test_known_flaky"}
	in := ClassifyInput{
		ExitCode:              0,
		Stdout:                "1 failed, 9 passed -- test_known_flaky",
		ObservedShellCommands: []string{"pytest -q"},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                policy,
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradePass, got.Grade)
	assert.Equal(t, "runtime_success_allowlisted_test_failures", got.ReasonCode)
}

func TestClassifyAgentRuntime_ExitZeroRecoveredTestFailuresPasses(t *testing.T) {
	in := ClassifyInput{
		ExitCode:              0,
		Stdout:                "1 failed, 9 passed\nretrying...\n10 passed",
		ObservedShellCommands: []string{"pytest -q"},
		Diff:                  DiffStats{ChangedFiles: 2, AddedLines: 40},
		Policy:                defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradePass, got.Grade)
	assert.Equal(t, "runtime_success_recovered_test_failures", got.ReasonCode)
}

func TestClassifyAgentRuntime_DiffBudgetExceededEscalates(t *testing.T) {
	in := ClassifyInput{
		ExitCode:              0,
		ObservedShellCommands: []string{"pytest -q"},
		Diff:                  DiffStats{ChangedFiles: 100, AddedLines: 40},
		Policy:                defaultPolicy(),
	}
	got := ClassifyAgentRuntime(in)
	assert.Equal(t, model.GradeHumanReview, got.Grade)
	assert.Equal(t, "diff_budget_exceeded", got.ReasonCode)
}
