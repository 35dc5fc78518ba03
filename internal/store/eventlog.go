package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/blueprint/pkg/schema"
)

// EventLog is the append-and-replay facade over the execution trace.
// Every state change the engine makes goes through Append; Replay
// rebuilds per-step state from the trace alone.
type EventLog struct {
	store Store
}

func NewEventLog(store Store) *EventLog {
	return &EventLog{store: store}
}

// Append records an event for the run. The payload is marshaled to
// JSON; nil payloads are stored empty.
func (l *EventLog) Append(ctx context.Context, runID, stepName, eventType string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "encode event payload: %s", err).WithCause(err)
		}
		raw = data
	}
	event := &Event{
		RunID:     runID,
		StepName:  stepName,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// AppendEvent records a pre-built event as-is. It satisfies the
// engine's appender seam so FSM transitions emit through the log.
func (l *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return l.store.AppendEvent(ctx, event)
}

// Events returns the run's trace ordered by sequence.
func (l *EventLog) Events(ctx context.Context, runID string) ([]*Event, error) {
	return l.store.GetEvents(ctx, runID, 0)
}

// Replay reconstructs per-step state from the run's trace, keyed by
// step name. A gap in the sequence means the trace was truncated or
// written out of order and replay cannot be trusted.
func (l *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepRecord, error) {
	events, err := l.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	records := make(map[string]*StepRecord)
	var last int64
	for _, ev := range events {
		if ev.Sequence != last+1 {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event sequence gap in run %q: expected %d, got %d", runID, last+1, ev.Sequence)
		}
		last = ev.Sequence

		if ev.StepName == "" {
			continue
		}
		record := records[ev.StepName]
		if record == nil {
			record = &StepRecord{RunID: runID, StepName: ev.StepName, Status: schema.StepStatusPending}
			records[ev.StepName] = record
		}
		applyEvent(record, ev)
	}
	return records, nil
}

func applyEvent(record *StepRecord, ev *Event) {
	switch ev.Type {
	case schema.EventStepStarted:
		record.Status = schema.StepStatusRunning
		t := ev.Timestamp
		record.StartedAt = &t
	case schema.EventStepRetrying:
		record.Status = schema.StepStatusRunning
		record.RetryCount++
	case schema.EventStepCompleted:
		record.Status = schema.StepStatusCompleted
		record.Output = ev.Payload
		finishRecord(record, ev.Timestamp)
	case schema.EventStepFailed:
		record.Status = schema.StepStatusFailed
		record.Error = ev.Payload
		finishRecord(record, ev.Timestamp)
	case schema.EventStepSkipped:
		record.Status = schema.StepStatusSkipped
		finishRecord(record, ev.Timestamp)
	case schema.EventStepSuspended, schema.EventApprovalRequested:
		record.Status = schema.StepStatusSuspended
	}
}

func finishRecord(record *StepRecord, at time.Time) {
	t := at
	record.CompletedAt = &t
	if record.StartedAt != nil {
		record.DurationMs = at.Sub(*record.StartedAt).Milliseconds()
	}
}
