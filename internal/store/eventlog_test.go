package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/blueprint/pkg/schema"
)

func newTestLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(context.Background(), &Run{
		ID: "run-1", BlueprintID: "bp", Status: schema.RunStatusRunning,
	}))
	return NewEventLog(s), s
}

func TestEventLogAppend(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	ev, err := log.Append(ctx, "run-1", "", schema.EventRunStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)
	assert.Empty(t, ev.Payload)

	ev, err = log.Append(ctx, "run-1", "fetch", schema.EventStepCompleted,
		map[string]any{"count": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Sequence)
	assert.JSONEq(t, `{"count":2}`, string(ev.Payload))

	events, err := log.Events(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReplayRebuildsStepState(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	mustAppend := func(step, eventType string, payload any) {
		t.Helper()
		_, err := log.Append(ctx, "run-1", step, eventType, payload)
		require.NoError(t, err)
	}

	mustAppend("", schema.EventRunStarted, nil)
	mustAppend("fetch", schema.EventStepStarted, nil)
	mustAppend("fetch", schema.EventStepCompleted, []string{"inv-1", "inv-2"})
	mustAppend("remind", schema.EventStepStarted, nil)
	mustAppend("remind", schema.EventStepRetrying, nil)
	mustAppend("remind", schema.EventStepRetrying, nil)
	mustAppend("remind", schema.EventStepFailed, map[string]any{"code": "CAPABILITY_ERROR"})
	mustAppend("confirm", schema.EventStepStarted, nil)
	mustAppend("confirm", schema.EventApprovalRequested, map[string]any{"items": []string{"inv-2"}})

	records, err := log.Replay(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	fetch := records["fetch"]
	assert.Equal(t, schema.StepStatusCompleted, fetch.Status)
	assert.JSONEq(t, `["inv-1","inv-2"]`, string(fetch.Output))
	require.NotNil(t, fetch.StartedAt)
	require.NotNil(t, fetch.CompletedAt)

	remind := records["remind"]
	assert.Equal(t, schema.StepStatusFailed, remind.Status)
	assert.Equal(t, 2, remind.RetryCount)
	assert.JSONEq(t, `{"code":"CAPABILITY_ERROR"}`, string(remind.Error))

	confirm := records["confirm"]
	assert.Equal(t, schema.StepStatusSuspended, confirm.Status)
}

func TestReplayDetectsSequenceGap(t *testing.T) {
	log, s := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, "run-1", "fetch", schema.EventStepStarted, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "run-1", "fetch", schema.EventStepCompleted, nil)
	require.NoError(t, err)

	// Punch a hole in the trace.
	_, err = s.DB().ExecContext(ctx, "DELETE FROM events WHERE run_id = ? AND sequence = 1", "run-1")
	require.NoError(t, err)

	_, err = log.Replay(ctx, "run-1")
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeStore, engineErr.Code)
	assert.Contains(t, engineErr.Message, "sequence gap")
}

func TestReplayEmptyRun(t *testing.T) {
	log, _ := newTestLog(t)

	records, err := log.Replay(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEventLogAppendEventDelegates(t *testing.T) {
	log, s := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventRunStarted}))

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
}
