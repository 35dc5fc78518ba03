package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/blueprint/internal/registry"
	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/pkg/schema"
)

type invocation struct {
	Agent string
	Input map[string]any
}

// stubInvoker returns canned outputs per capability name, recording
// every call.
type stubInvoker struct {
	mu       sync.Mutex
	calls    []invocation
	handlers map[string]func(ctx context.Context, input map[string]any) (any, error)
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{handlers: make(map[string]func(ctx context.Context, input map[string]any) (any, error))}
}

func (s *stubInvoker) on(agent string, fn func(ctx context.Context, input map[string]any) (any, error)) {
	s.handlers[agent] = fn
}

func (s *stubInvoker) returns(agent string, output any) {
	s.on(agent, func(context.Context, map[string]any) (any, error) { return output, nil })
}

func (s *stubInvoker) Invoke(ctx context.Context, agent string, input map[string]any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, invocation{Agent: agent, Input: input})
	s.mu.Unlock()

	fn, ok := s.handlers[agent]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", agent)
	}
	return fn(ctx, input)
}

func (s *stubInvoker) callsFor(agent string) []invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []invocation
	for _, c := range s.calls {
		if c.Agent == agent {
			out = append(out, c)
		}
	}
	return out
}

func newTestEngine(t *testing.T, bps ...*schema.Blueprint) (*Controller, *store.LibSQLStore, *stubInvoker) {
	t.Helper()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg := registry.NewRegistry()
	for _, bp := range bps {
		require.NoError(t, reg.Register(bp))
	}

	inv := newStubInvoker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(reg, st, inv, Config{LoopConcurrency: 2}, logger)
	t.Cleanup(ctrl.Shutdown)
	return ctrl, st, inv
}

func invokeStep(name, agent string, input any) schema.Step {
	return schema.Step{Name: name, Agent: agent, Input: input, Output: name, Kind: schema.StepKindInvoke}
}

func TestExecuteHappyPath(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "invoice-chaser",
		Name: "Invoice Chaser",
		Steps: []schema.Step{
			invokeStep("fetch", "billing.list", map[string]any{"status": "overdue"}),
			invokeStep("remind", "mail.send", map[string]any{
				"invoices": "{{ steps.fetch.output.ids }}",
			}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.returns("billing.list", map[string]any{"ids": []any{"inv-1", "inv-2"}})
	inv.returns("mail.send", map[string]any{"sent": float64(2)})

	summary, err := ctrl.Execute(context.Background(), "invoice-chaser", map[string]any{"region": "eu"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.StepsExecuted)
	assert.Equal(t, 2, summary.TotalSteps)
	assert.Empty(t, summary.Warnings)
	require.Len(t, summary.Steps, 2)
	assert.Equal(t, schema.StepStatusCompleted, summary.Steps[0].Status)
	assert.Equal(t, schema.StepStatusCompleted, summary.Steps[1].Status)
	require.NotNil(t, summary.CompletedAt)

	// The second capability saw the first step's output.
	calls := inv.callsFor("mail.send")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"inv-1", "inv-2"}, calls[0].Input["invoices"])
}

func TestExecuteUnknownBlueprint(t *testing.T) {
	ctrl, _, _ := newTestEngine(t)

	_, err := ctrl.Execute(context.Background(), "missing", nil)
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeNotFound, engineErr.Code)
}

func TestCapabilityFailureIsData(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "bp",
		Name: "bp",
		Steps: []schema.Step{
			invokeStep("flaky", "svc.call", map[string]any{}),
			invokeStep("after", "svc.other", map[string]any{}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.on("svc.call", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream exploded")
	})
	inv.returns("svc.other", "ok")

	summary, err := ctrl.Execute(context.Background(), "bp", nil)
	require.NoError(t, err)

	// The failed step is recorded; its sibling still executed.
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.StepsExecuted)
	require.Len(t, summary.Steps, 2)
	assert.Equal(t, schema.StepStatusFailed, summary.Steps[0].Status)
	require.NotNil(t, summary.Steps[0].Error)
	assert.Equal(t, schema.ErrCodeCapability, summary.Steps[0].Error.Code)
	assert.Equal(t, "svc.call", summary.Steps[0].Error.Capability)
	assert.Equal(t, schema.StepStatusCompleted, summary.Steps[1].Status)
	assert.Len(t, inv.callsFor("svc.other"), 1)
}

func TestConditionHaltsRun(t *testing.T) {
	bp := &schema.Blueprint{
		ID:     "gated",
		Name:   "gated",
		Config: map[string]any{"threshold": 5},
		Steps: []schema.Step{
			{
				Name: "check", Agent: "metrics.count", Input: map[string]any{},
				Output: "check", Kind: schema.StepKindInvoke,
				Condition: "result.count > config.threshold",
			},
			invokeStep("act", "svc.act", map[string]any{}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.returns("metrics.count", map[string]any{"count": 3})
	inv.returns("svc.act", "never")

	summary, err := ctrl.Execute(context.Background(), "gated", nil)
	require.NoError(t, err)

	// A false condition is a normal termination, not an error.
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.StepsExecuted)
	assert.Equal(t, 2, summary.TotalSteps)
	assert.Equal(t, "check", summary.HaltedBy)
	assert.Nil(t, summary.Error)
	require.Len(t, summary.Steps, 1)
	assert.Empty(t, inv.callsFor("svc.act"))
}

func TestConditionTrueContinues(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "gated",
		Name: "gated",
		Steps: []schema.Step{
			{
				Name: "check", Agent: "metrics.count", Input: map[string]any{},
				Output: "check", Kind: schema.StepKindInvoke,
				Condition: "result.count > 1",
			},
			invokeStep("act", "svc.act", map[string]any{}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.returns("metrics.count", map[string]any{"count": 3})
	inv.returns("svc.act", "done")

	summary, err := ctrl.Execute(context.Background(), "gated", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.StepsExecuted)
	assert.Empty(t, summary.HaltedBy)
}

func TestConditionOnFailedStepHalts(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "gated",
		Name: "gated",
		Steps: []schema.Step{
			{
				Name: "check", Agent: "svc.down", Input: map[string]any{},
				Output: "check", Kind: schema.StepKindInvoke,
				Condition: "result.ok",
			},
			invokeStep("act", "svc.act", map[string]any{}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.on("svc.down", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("unavailable")
	})
	inv.returns("svc.act", "never")

	summary, err := ctrl.Execute(context.Background(), "gated", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.StepsExecuted)
	assert.Equal(t, "check", summary.HaltedBy)
	assert.Empty(t, inv.callsFor("svc.act"))
}

func TestConditionExpressionFaultFailsRun(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "broken",
		Name: "broken",
		Steps: []schema.Step{
			{
				Name: "check", Agent: "svc.ok", Input: map[string]any{},
				Output: "check", Kind: schema.StepKindInvoke,
				Condition: `"a string is not a condition"`,
			},
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.returns("svc.ok", map[string]any{})

	summary, err := ctrl.Execute(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, summary.Status)
	require.NotNil(t, summary.Error)
	assert.Equal(t, schema.ErrCodeRunFault, summary.Error.Code)
}

func TestCELConditionEngine(t *testing.T) {
	bp := &schema.Blueprint{
		ID:     "cel-bp",
		Name:   "cel-bp",
		Config: map[string]any{"condition_engine": "cel"},
		Steps: []schema.Step{
			{
				Name: "check", Agent: "metrics.count", Input: map[string]any{},
				Output: "check", Kind: schema.StepKindInvoke,
				Condition: "result.count > 1.0",
			},
			invokeStep("act", "svc.act", map[string]any{}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.returns("metrics.count", map[string]any{"count": 3.0})
	inv.returns("svc.act", "done")

	summary, err := ctrl.Execute(context.Background(), "cel-bp", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.StepsExecuted)
}

func TestUnresolvedTemplateWarns(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "warned",
		Name: "warned",
		Steps: []schema.Step{
			invokeStep("only", "svc.echo", map[string]any{
				"ref": "{{ steps.never_ran.output }}",
			}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.on("svc.echo", func(_ context.Context, input map[string]any) (any, error) {
		return input, nil
	})

	summary, err := ctrl.Execute(context.Background(), "warned", nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	require.NotEmpty(t, summary.Warnings)
	assert.Equal(t, "steps.never_ran.output", summary.Warnings[0].Expression)

	// The placeholder is left verbatim, not silently emptied.
	calls := inv.callsFor("svc.echo")
	require.Len(t, calls, 1)
	assert.Equal(t, "{{ steps.never_ran.output }}", calls[0].Input["ref"])
}

func TestStepTimeoutRecordedAsFailed(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "slow",
		Name: "slow",
		Steps: []schema.Step{
			{
				Name: "crawl", Agent: "web.scrape", Input: map[string]any{},
				Output: "crawl", Kind: schema.StepKindInvoke, Timeout: "20ms",
			},
			invokeStep("after", "svc.ok", map[string]any{}),
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.on("web.scrape", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	inv.returns("svc.ok", "ran")

	summary, err := ctrl.Execute(context.Background(), "slow", nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	require.Len(t, summary.Steps, 2)
	assert.Equal(t, schema.StepStatusFailed, summary.Steps[0].Status)
	require.NotNil(t, summary.Steps[0].Error)
	assert.Equal(t, schema.ErrCodeTimeout, summary.Steps[0].Error.Code)
	assert.Equal(t, schema.StepStatusCompleted, summary.Steps[1].Status)
}

func TestRetryPolicyRecovers(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "retrying",
		Name: "retrying",
		Steps: []schema.Step{
			{
				Name: "flaky", Agent: "svc.flaky", Input: map[string]any{},
				Output: "flaky", Kind: schema.StepKindInvoke,
				Retry: &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"},
			},
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)

	var attempts int
	var mu sync.Mutex
	inv.on("svc.flaky", func(context.Context, map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return "recovered", nil
	})

	summary, err := ctrl.Execute(context.Background(), "retrying", nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	require.Len(t, summary.Steps, 1)
	assert.Equal(t, schema.StepStatusCompleted, summary.Steps[0].Status)
	assert.Equal(t, 2, summary.Steps[0].Retries)
	assert.Equal(t, "recovered", summary.Steps[0].Output)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "retrying",
		Name: "retrying",
		Steps: []schema.Step{
			{
				Name: "strict", Agent: "svc.strict", Input: map[string]any{},
				Output: "strict", Kind: schema.StepKindInvoke,
				Retry: &schema.RetryPolicy{Max: 5, Delay: "1ms"},
			},
		},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.on("svc.strict", func(context.Context, map[string]any) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input shape")
	})

	summary, err := ctrl.Execute(context.Background(), "retrying", nil)
	require.NoError(t, err)

	require.Len(t, summary.Steps, 1)
	assert.Equal(t, schema.StepStatusFailed, summary.Steps[0].Status)
	assert.Equal(t, 0, summary.Steps[0].Retries)
	assert.Len(t, inv.callsFor("svc.strict"), 1)
}

func TestRunPersistence(t *testing.T) {
	bp := &schema.Blueprint{
		ID:    "persisted",
		Name:  "persisted",
		Steps: []schema.Step{invokeStep("only", "svc.ok", map[string]any{})},
	}
	ctrl, st, inv := newTestEngine(t, bp)
	inv.returns("svc.ok", "done")

	summary, err := ctrl.Execute(context.Background(), "persisted", map[string]any{"who": "tester"})
	require.NoError(t, err)

	run, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "tester", run.TriggerData["who"])
	assert.NotEmpty(t, run.Summary)
	require.NotNil(t, run.CompletedAt)

	events, err := st.GetEvents(context.Background(), summary.RunID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventRunStarted)
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepCompleted)
	assert.Contains(t, types, schema.EventRunCompleted)
}

func TestStatusSnapshot(t *testing.T) {
	bp := &schema.Blueprint{
		ID:    "snap",
		Name:  "snap",
		Steps: []schema.Step{invokeStep("only", "svc.ok", map[string]any{})},
	}
	ctrl, _, inv := newTestEngine(t, bp)
	inv.returns("svc.ok", "done")

	summary, err := ctrl.Execute(context.Background(), "snap", nil)
	require.NoError(t, err)

	status, err := ctrl.Status(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, status.Run.Status)
	require.Len(t, status.Steps, 1)
	assert.Equal(t, schema.StepStatusCompleted, status.Steps[0].Status)
	assert.Empty(t, status.PendingApprovals)
	assert.NotEmpty(t, status.Events)
}

func TestCancellationFinishesPartial(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "report",
		Name: "Report",
		Steps: []schema.Step{
			invokeStep("gather", "svc.gather", map[string]any{"q": "sales"}),
			invokeStep("render", "svc.render", map[string]any{}),
		},
	}
	ctrl, st, inv := newTestEngine(t, bp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv.on("svc.gather", func(context.Context, map[string]any) (any, error) {
		cancel()
		return map[string]any{"rows": float64(12)}, nil
	})
	inv.returns("svc.render", "unreachable")

	summary, err := ctrl.Execute(ctx, "report", nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusPartial, summary.Status)
	require.NotNil(t, summary.Error)
	assert.Equal(t, schema.ErrCodeCancelled, summary.Error.Code)
	assert.Equal(t, 1, summary.StepsExecuted)

	// The completed step survives the interruption intact.
	require.Len(t, summary.Steps, 1)
	assert.Equal(t, schema.StepStatusCompleted, summary.Steps[0].Status)
	assert.Equal(t, map[string]any{"rows": float64(12)}, summary.Steps[0].Output)
	assert.Empty(t, inv.callsFor("svc.render"))

	run, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPartial, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestTraceReplayRebuildsStepState(t *testing.T) {
	bp := &schema.Blueprint{
		ID:   "sync",
		Name: "Sync",
		Steps: []schema.Step{
			invokeStep("pull", "svc.pull", map[string]any{}),
			invokeStep("push", "svc.push", map[string]any{}),
		},
	}
	ctrl, st, inv := newTestEngine(t, bp)
	inv.returns("svc.pull", map[string]any{"rows": float64(4)})
	inv.on("svc.push", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream rejected the batch")
	})

	summary, err := ctrl.Execute(context.Background(), "sync", nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, summary.Status)

	records, err := store.NewEventLog(st).Replay(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Contains(t, records, "pull")
	require.Contains(t, records, "push")
	assert.Equal(t, schema.StepStatusCompleted, records["pull"].Status)
	assert.JSONEq(t, `{"rows": 4}`, string(records["pull"].Output))
	assert.Equal(t, schema.StepStatusFailed, records["push"].Status)
	assert.NotEmpty(t, records["push"].Error)
}
