package engine

import (
	"context"
	"sync"

	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/pkg/schema"
)

// EventAppender is satisfied by the Store; FSMs emit trace events on
// every transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed run state transitions.
// Suspension and resumption exist solely for approval steps; a run in
// a terminal state never moves again.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusCreated:   {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusPartial, schema.RunStatusFailed},
	schema.RunStatusSuspended: {schema.RunStatusResuming, schema.RunStatusFailed},
	schema.RunStatusResuming:  {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusPartial:   {},
	schema.RunStatusFailed:    {},
}

// ValidStepTransitions defines the allowed step state transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSuspended},
	schema.StepStatusSuspended: {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// RunFSM validates run lifecycle transitions and emits the matching
// trace event for each one.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state transition. The caller
// persists the new status to the runs table.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusResuming:
		return schema.EventRunResumed
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusPartial:
		return schema.EventRunPartial
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// StepFSM validates step lifecycle transitions and emits the matching
// trace event for each one.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and records a step state transition. Payload is
// attached to the emitted event when non-nil (step output or error).
func (f *StepFSM) Transition(ctx context.Context, runID, stepName string, from, to schema.StepStatus, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepName).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{
		RunID:    runID,
		StepName: stepName,
		Type:     eventType,
		Payload:  payload,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err).
			WithStep(stepName).WithCause(err)
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusSuspended:
		return schema.EventStepSuspended
	default:
		return ""
	}
}

func isTerminalStep(s schema.StepStatus) bool {
	return s == schema.StepStatusCompleted || s == schema.StepStatusFailed || s == schema.StepStatusSkipped
}
