package webhook

// Event type values carried in the X-GitHub-Event header this ingress
// recognizes. Payloads are consumed as map[string]any rather than typed
// structs since spec.md §4.4's dispatch only ever reads a handful of
// leaf fields out of an otherwise-ignored document.
const (
	eventPullRequest       = "pull_request"
	eventPullRequestReview = "pull_request_review"
	eventCheckRun          = "check_run"
)
