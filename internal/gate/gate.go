// Package gate implements the PR readiness evaluator of spec.md §4.7: a
// pure function from a runtime classification digest, a policy, and a
// contract-artifact flag to a pass/fail verdict with stable failure
// codes.
package gate

// acceptedPassReasonCodes is the converged-PASS set. A PASS grade whose
// reason code is outside this set fails runtime_not_runtime_success; a
// non-PASS grade fails runtime_not_pass instead.
var acceptedPassReasonCodes = map[string]bool{
	"runtime_success":                              true,
	"runtime_success_allowlisted_test_failures":     true,
	"runtime_success_recovered_test_failures":       true,
	"runtime_success_no_test_infra_with_validation": true,
}

// Digest is the read-only projection of the latest runtime classification
// the gate consults. It is deliberately narrower than
// classifier.Classification: the gate only needs the fields spec.md §4.7
// names, not the full evidence bag.
type Digest struct {
	Available            bool
	Grade                string // "PASS", "RETRYABLE", "HUMAN_REVIEW"
	ReasonCode            string
	PreflightOK           bool
	PreflightReported     bool
	SafetyViolationCount  int
	ObservedTestCommands  int
	FailedTestMarkersSeen bool
	ChangedFiles          int
	AddedLines            int
	DeclaredSkillsMode    string
	DeclaredSkills        []string
}

// Policy is the expected-policy block the gate checks the digest against.
type Policy struct {
	MinTestCommands int
	MaxChangedFiles int
	MaxAddedLines   int
	RequiredSkillsMode string
	RequiredSkills     []string
}

// Check is one failed or warning entry in a Readiness result.
type Check struct {
	Code    string
	Message string
}

// Readiness is evaluatePrGate's result.
type Readiness struct {
	OK           bool
	FailedChecks []Check
	Warnings     []Check
}

// EvaluatePRGate implements spec.md §4.7.
func EvaluatePRGate(digest Digest, policy Policy, contractAvailable bool) Readiness {
	var failed []Check
	var warnings []Check

	if !contractAvailable {
		failed = append(failed, Check{"missing_contract", "no contract artifact bound to the run"})
	}
	if !digest.Available {
		failed = append(failed, Check{"missing_digest", "no classification available"})
		return Readiness{OK: len(failed) == 0, FailedChecks: failed, Warnings: warnings}
	}

	if digest.Grade != "PASS" {
		failed = append(failed, Check{"runtime_not_pass", "classification grade is not PASS"})
	} else if !acceptedPassReasonCodes[digest.ReasonCode] {
		failed = append(failed, Check{"runtime_not_runtime_success", "pass reason code not in the accepted set"})
	}

	if digest.PreflightReported && !digest.PreflightOK {
		failed = append(failed, Check{"preflight_not_ok", "preflight section reports failures"})
	}

	if digest.SafetyViolationCount > 0 {
		failed = append(failed, Check{"safety_violation_present", "one or more safety violations were observed"})
	}

	convergedPass := digest.Grade == "PASS" && acceptedPassReasonCodes[digest.ReasonCode]

	if digest.ObservedTestCommands < policy.MinTestCommands {
		check := Check{"insufficient_test_evidence", "observed test commands below required minimum"}
		if digest.ReasonCode == "runtime_success_no_test_infra_with_validation" {
			warnings = append(warnings, check)
		} else {
			failed = append(failed, check)
		}
	}

	if digest.FailedTestMarkersSeen {
		check := Check{"failed_test_commands_present", "failed test markers observed"}
		if convergedPass {
			warnings = append(warnings, check)
		} else {
			failed = append(failed, check)
		}
	}

	if digest.ChangedFiles > policy.MaxChangedFiles {
		failed = append(failed, Check{"changed_files_budget_exceeded", "changed file count exceeds policy budget"})
	}
	if digest.AddedLines > policy.MaxAddedLines {
		failed = append(failed, Check{"added_lines_budget_exceeded", "added line count exceeds policy budget"})
	}

	if policy.RequiredSkillsMode != "" && digest.DeclaredSkillsMode != "" && policy.RequiredSkillsMode != digest.DeclaredSkillsMode {
		failed = append(failed, Check{"skills_mode_mismatch", "declared capability plan mode disagrees with policy"})
	}
	if missing := missingSkills(policy.RequiredSkills, digest.DeclaredSkills); len(missing) > 0 {
		failed = append(failed, Check{"missing_required_skills", "declared capability plan omits required skills"})
	}

	return Readiness{OK: len(failed) == 0, FailedChecks: failed, Warnings: warnings}
}

func missingSkills(required, declared []string) []string {
	have := make(map[string]bool, len(declared))
	for _, s := range declared {
		have[s] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
