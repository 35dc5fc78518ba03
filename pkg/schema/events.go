package schema

// Event type constants for the execution trace log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunPartial   = "run_partial"
	EventRunFailed    = "run_failed"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepSuspended = "step_suspended"
	EventStepRetrying  = "step_retrying"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventConditionHalt      = "condition_halt"

	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"
	EventLoopCompleted     = "loop_completed"

	EventResolutionWarning = "resolution_warning"

	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventCircuitBreakerClosed = "circuit_breaker_closed"
)

// RunStatus represents the lifecycle state of a blueprint run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusResuming  RunStatus = "resuming"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartial || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusSuspended StepStatus = "suspended"
)
