package classifier

import (
	"regexp"
	"strings"
)

// namedPattern pairs a compiled, case-insensitive, word-boundary regex with
// a short label used in evidence output.
type namedPattern struct {
	label string
	re    *regexp.Regexp
}

func compilePatterns(pairs [][2]string) []namedPattern {
	out := make([]namedPattern, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, namedPattern{label: p[0], re: regexp.MustCompile(`(?i)` + p[1])})
	}
	return out
}

// hardFailurePatterns is the "hard failure" set of spec.md §4.6.
var hardFailurePatterns = compilePatterns([][2]string{
	{"permission_denied", `\bpermission denied\b`},
	{"operation_not_permitted", `\boperation not permitted\b`},
	{"read_only_file_system", `\bread-only file system\b`},
	{"authentication_failed", `\bauthentication failed\b`},
	{"unauthorized", `\bunauthorized\b`},
	{"forbidden", `\bforbidden\b`},
	{"not_a_git_repository", `\bnot a git repository\b`},
	{"repository_not_found", `\brepository not found\b`},
	{"command_not_found", `\bcommand not found\b`},
	{"no_such_file_or_directory", `\bno such file or directory\b`},
	{"index_lock", `\bindex\.lock\b`},
})

// retryableFailurePatterns is the "retryable failure" set of spec.md §4.6.
var retryableFailurePatterns = compilePatterns([][2]string{
	{"timeout", `\btime(d)? ?out\b`},
	{"temporary_failure", `\btemporary failure\b`},
	{"temporarily_unavailable", `\btemporarily unavailable\b`},
	{"connection_reset", `\bconnection reset\b`},
	{"connection_aborted", `\bconnection aborted\b`},
	{"connection_refused", `\bconnection refused\b`},
	{"could_not_resolve_host", `\bcould not resolve host\b`},
	{"network_unreachable", `\bnetwork (is )?unreachable\b`},
	{"rate_limit", `\brate limit(ed|ing)?\b`},
	{"too_many_requests", `\btoo many requests\b`},
	{"http_429", `\bhttp[ /]?429\b`},
	{"http_5xx", `\bhttp[ /]?5\d\d\b`},
	{"service_unavailable", `\bservice unavailable\b`},
})

// testCommandPatterns identifies a command invocation as a test run.
var testCommandPatterns = compilePatterns([][2]string{
	{"pytest", `\bpytest\b`},
	{"tox", `\btox\b`},
	{"make_test", `\bmake test\b`},
	{"bun_test", `\bbun test\b`},
	{"npm_test", `\bnpm (run )?test\b`},
	{"pnpm_test", `\bpnpm (run )?test\b`},
	{"yarn_test", `\byarn test\b`},
	{"hatch_test", `\bhatch run .*test\b`},
})

// lintOrValidationPatterns identifies a command invocation as lint or
// validation, the "alternative validation" the semantic override looks
// for.
var lintOrValidationPatterns = compilePatterns([][2]string{
	{"make_lint", `\bmake lint\b`},
	{"ruff", `\bruff\b`},
	{"eslint", `\beslint\b`},
	{"flake8", `\bflake8\b`},
	{"mypy", `\bmypy\b`},
	{"pyright", `\bpyright\b`},
	{"typecheck", `\btypecheck\b`},
	{"pre_commit", `\bpre-commit\b`},
})

// safetyViolationPatterns is the disallowed-command list of spec.md §4.6
// step 2.
var safetyViolationPatterns = compilePatterns([][2]string{
	{"sudo", `\bsudo\b`},
	{"brew_install", `\bbrew install\b`},
	{"npm_global_install", `\bnpm .*-g\b`},
	{"pnpm_global_install", `\bpnpm .*-g\b`},
	{"yarn_global", `\byarn global\b`},
	{"uv_tool_install", `\buv tool install\b`},
	{"poetry_self", `\bpoetry self\b`},
})

// agentPushCommandPatterns flags commands that push from the agent step,
// used by step 3's "agent push disallowed" check.
var agentPushCommandPatterns = compilePatterns([][2]string{
	{"git_commit", `\bgit commit\b`},
	{"git_push", `\bgit push\b`},
	{"finish_sh", `\bfinish\.sh\b`},
})

// failedTestMarkerPattern flags test-failure output lines, used to detect
// the "recovered test failures" case: failing markers observed despite a
// final exit code of zero.
var failedTestMarkerPattern = regexp.MustCompile(`(?i)\b\d+ failed\b|\bFAILED\b`)

func matchAny(text string, patterns []namedPattern) []string {
	var matched []string
	for _, p := range patterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.label)
		}
	}
	return matched
}

func anyMatch(text string, patterns []namedPattern) bool {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

func countMatches(commands []string, patterns []namedPattern) int {
	count := 0
	for _, cmd := range commands {
		if anyMatch(cmd, patterns) {
			count++
		}
	}
	return count
}

// matchAllowlistedTestFailures regex-or-substring matches text against the
// caller-supplied allowlist (policy.TestFailureAllowlist), ported from
// runtime_analysis.py's match_allowlisted_test_failures. Invalid regexes
// fall back to a literal case-insensitive substring match.
func matchAllowlistedTestFailures(text string, allowlist []string) []string {
	var matched []string
	for _, pattern := range allowlist {
		if re, err := regexp.Compile("(?i)" + pattern); err == nil {
			if re.MatchString(text) {
				matched = append(matched, pattern)
			}
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(pattern)) {
			matched = append(matched, pattern)
		}
	}
	if len(matched) > 20 {
		matched = matched[:20]
	}
	return matched
}
