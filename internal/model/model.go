// Package model holds the shared data model for the orchestrator: the
// closed-set run state and event taxonomies, the persisted record shapes,
// and the stable error values every other package reports through.
package model

import (
	"time"

	"github.com/pkg/errors"
)

// RunState is a label from the closed set of lifecycle states a Run can
// occupy. Exactly one state row exists per run at any time.
type RunState string

const (
	RunStateQueued            RunState = "QUEUED"
	RunStateDiscovery         RunState = "DISCOVERY"
	RunStatePlanReady         RunState = "PLAN_READY"
	RunStateImplementing      RunState = "IMPLEMENTING"
	RunStateLocalValidating   RunState = "LOCAL_VALIDATING"
	RunStatePushed            RunState = "PUSHED"
	RunStateCIWait            RunState = "CI_WAIT"
	RunStateReviewWait        RunState = "REVIEW_WAIT"
	RunStateIterating         RunState = "ITERATING"
	RunStatePaused            RunState = "PAUSED"
	RunStateDone              RunState = "DONE"
	RunStateSkipped           RunState = "SKIPPED"
	RunStateNeedsHumanReview  RunState = "NEEDS_HUMAN_REVIEW"
	RunStateFailedRetryable   RunState = "FAILED_RETRYABLE"
	RunStateFailedTerminal    RunState = "FAILED_TERMINAL"
)

// EventType is a label from the closed set of events the coordinator
// accepts.
type EventType string

const (
	EventCommandRunCreate              EventType = "command.run.create"
	EventCommandStartDiscovery         EventType = "command.start.discovery"
	EventCommandStartImplementation    EventType = "command.start.implementation"
	EventCommandLocalValidationPassed  EventType = "command.local.validation.passed"
	EventCommandPRLinked               EventType = "command.pr.linked"
	EventCommandMarkDone               EventType = "command.mark.done"
	EventCommandRetry                  EventType = "command.retry"
	EventCommandPause                  EventType = "command.pause"
	EventCommandResume                 EventType = "command.resume"
	EventWorkerDiscoveryCompleted      EventType = "worker.discovery.completed"
	EventWorkerStepFailed              EventType = "worker.step.failed"
	EventWorkerPushCompleted           EventType = "worker.push.completed"
	EventGithubCheckCompleted          EventType = "github.check.completed"
	EventGithubReviewSubmitted         EventType = "github.review.submitted"
	EventTimerTimeout                  EventType = "timer.timeout"
)

// requiresTransition is the mandatory-transition set from spec.md §4.2: if
// the resolver finds no target for one of these, applying it is an error
// rather than a silent no-op.
var requiresTransition = map[EventType]bool{
	EventCommandStartDiscovery:        true,
	EventCommandStartImplementation:   true,
	EventCommandLocalValidationPassed: true,
	EventCommandMarkDone:              true,
	EventCommandPRLinked:              true,
	EventCommandPause:                 true,
	EventCommandResume:                true,
	EventCommandRetry:                 true,
	EventWorkerDiscoveryCompleted:     true,
	EventWorkerStepFailed:             true,
	EventWorkerPushCompleted:          true,
	EventTimerTimeout:                 true,
}

// RequiresTransition reports whether a missing resolver target for this
// event type must surface as IllegalTransition rather than a no-op.
func RequiresTransition(t EventType) bool {
	return requiresTransition[t]
}

// StepName identifies which external process boundary a StepAttempt
// records.
type StepName string

const (
	StepPrepare    StepName = "prepare"
	StepFinish     StepName = "finish"
	StepAgent      StepName = "agent"
	StepPreflight  StepName = "preflight"
	StepGithubSync StepName = "github_sync"
)

// ArtifactType identifies the kind of out-of-band payload an Artifact
// points at.
type ArtifactType string

const (
	ArtifactContract           ArtifactType = "contract"
	ArtifactBranch             ArtifactType = "branch"
	ArtifactAgentRuntimeReport ArtifactType = "agent_runtime_report"
	ArtifactRunDigest          ArtifactType = "run_digest"
	ArtifactPreflightReport    ArtifactType = "preflight_report"
)

// Grade is the classifier's verdict on a captured agent runtime.
type Grade string

const (
	GradePass         Grade = "PASS"
	GradeRetryable    Grade = "RETRYABLE"
	GradeHumanReview  Grade = "HUMAN_REVIEW"
)

// NextAction is the classifier's recommendation for what the caller should
// do with a Grade.
type NextAction string

const (
	NextActionAdvance  NextAction = "advance"
	NextActionRetry    NextAction = "retry"
	NextActionEscalate NextAction = "escalate"
)

// RunMode currently carries a single value; kept as a named type so adding
// a mode later doesn't ripple through callers.
type RunMode string

const RunModePushOnly RunMode = "push_only"

// Run is the unit of work the orchestrator tracks end to end.
type Run struct {
	RunID         string
	Owner         string
	Repo          string
	PromptVersion string
	Mode          RunMode
	Budget        map[string]any
	WorkspaceDir  string
	PRNumber      *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunSnapshot is a read projection of a run plus its current state, used by
// snapshot/listRuns and by the webhook ingress and sync engine.
type RunSnapshot struct {
	Run       Run
	State     RunState
	LastError string
}

// Event is the immutable record of something that happened to a run.
type Event struct {
	EventID        int64
	RunID          string
	EventType      EventType
	IdempotencyKey string
	Payload        map[string]any
	CreatedAt      time.Time
}

// StepAttempt records one external process invocation.
type StepAttempt struct {
	AttemptID  int64
	RunID      string
	Step       StepName
	AttemptNo  int
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	CreatedAt  time.Time
}

// Artifact is a typed pointer to an out-of-band payload.
type Artifact struct {
	ArtifactID int64
	RunID      string
	Type       ArtifactType
	URI        string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// WebhookDelivery is the replay-defense record for one inbound webhook
// POST, unique on (Source, DeliveryID).
type WebhookDelivery struct {
	Source       string
	DeliveryID   string
	EventType    string
	PayloadSHA256 string
	ReceivedAt   time.Time
}

// ApplyResult is returned by the coordinator's Apply operation.
type ApplyResult struct {
	Duplicate bool
	RunID     string
	State     RunState
	EventType EventType
}

// Stable error taxonomy (spec.md §7). Each is a sentinel value, never a
// type name, so callers compare with errors.Is.
var (
	ErrRunNotFound                    = errors.New("run not found")
	ErrIllegalTransition              = errors.New("illegal state transition")
	ErrPayloadTooLarge                = errors.New("payload too large")
	ErrInvalidSignature               = errors.New("invalid webhook signature")
	ErrInvalidJSON                    = errors.New("invalid json payload")
	ErrMissingEvent                   = errors.New("missing X-GitHub-Event header")
	ErrRetryableInfrastructureFailure = errors.New("retryable infrastructure failure")
	ErrPRAlreadyLinked                = errors.New("run already has a linked pull request")
	ErrRunAlreadyExists               = errors.New("run already exists")
)
