package webhook

import (
	"encoding/json"
)

// repoIdentity is the (owner, repo) pair extracted from a webhook payload's
// "repository" block.
type repoIdentity struct {
	Owner string
	Repo  string
}

var successCheckConclusions = map[string]bool{
	"success": true,
	"neutral": true,
	"skipped": true,
}

var failureCheckConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
	"startup_failure": true,
}

// extractRepoIdentity ports extract_repo_identity: prefers
// repository.owner.login, falls back to repository.owner.name, then a bare
// string at repository.owner.
func extractRepoIdentity(payload map[string]any) (repoIdentity, bool) {
	repoBlock, ok := payload["repository"].(map[string]any)
	if !ok {
		return repoIdentity{}, false
	}
	owner := ""
	if ownerBlock, ok := repoBlock["owner"].(map[string]any); ok {
		if login, ok := ownerBlock["login"].(string); ok && login != "" {
			owner = normalizeToken(login)
		} else if name, ok := ownerBlock["name"].(string); ok && name != "" {
			owner = normalizeToken(name)
		}
	}
	if owner == "" {
		if ownerStr, ok := repoBlock["owner"].(string); ok {
			owner = normalizeToken(ownerStr)
		}
	}
	repo := ""
	if name, ok := repoBlock["name"].(string); ok {
		repo = normalizeToken(name)
	}
	if owner == "" || repo == "" {
		return repoIdentity{}, false
	}
	return repoIdentity{Owner: owner, Repo: repo}, true
}

// extractPRNumbers ports extract_pr_numbers.
func extractPRNumbers(event string, payload map[string]any) []int64 {
	switch event {
	case eventPullRequest, eventPullRequestReview, "issue_comment":
		if pr, ok := payload["pull_request"].(map[string]any); ok {
			if n, ok := numberField(pr, "number"); ok {
				return []int64{n}
			}
		}
		if issue, ok := payload["issue"].(map[string]any); ok {
			if _, ok := issue["pull_request"].(map[string]any); ok {
				if n, ok := numberField(issue, "number"); ok {
					return []int64{n}
				}
			}
		}
		return nil
	case "check_suite", eventCheckRun:
		root, ok := payload[event].(map[string]any)
		if !ok {
			return nil
		}
		return extractPRNumbersFromList(root["pull_requests"])
	}
	return nil
}

func extractPRNumbersFromList(v any) []int64 {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var numbers []int64
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if n, ok := numberField(m, "number"); ok {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

func numberField(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// resolveCheckConclusion ports resolve_check_conclusion for check_suite and
// check_run events; pull_request events never yield an actionable
// conclusion (spec.md §9's documented-but-not-enacted synchronize note).
func resolveCheckConclusion(event string, payload map[string]any) (string, bool) {
	switch event {
	case eventPullRequest:
		return "", false
	case "check_suite", eventCheckRun:
		root, ok := payload[event].(map[string]any)
		if !ok {
			return "", false
		}
		conclusion := normalizeToken(stringField(root, "conclusion"))
		if successCheckConclusions[conclusion] {
			return "success", true
		}
		if failureCheckConclusions[conclusion] {
			return "failure", true
		}
		return "", false
	default:
		return "", false
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func reviewState(payload map[string]any) string {
	review, ok := payload["review"].(map[string]any)
	if !ok {
		return ""
	}
	return normalizeToken(stringField(review, "state"))
}
