package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/blueprint/internal/expressions"
	"github.com/loomworks/blueprint/internal/logging"
	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/pkg/schema"
)

// executeStep dispatches a step by its kind. It returns the context
// entry written for the step, or (nil, nil) when an approval step
// suspended the run. A non-nil error is a run fault; capability
// failures are folded into a failed entry instead.
func (c *Controller) executeStep(ctx context.Context, rs *runState, step *schema.Step) (*expressions.StepEntry, error) {
	if err := c.stepFSM.Transition(ctx, rs.run.ID, step.Name,
		schema.StepStatusPending, schema.StepStatusRunning, nil); err != nil {
		return nil, err
	}

	switch step.Kind {
	case schema.StepKindLoop:
		return c.executeLoopStep(ctx, rs, step)
	case schema.StepKindApproval:
		return c.executeApprovalStep(ctx, rs, step)
	default:
		return c.executeInvokeStep(ctx, rs, step)
	}
}

// executeInvokeStep resolves the step input and invokes its capability
// once (plus retries). Invoker errors become a failed entry.
func (c *Controller) executeInvokeStep(ctx context.Context, rs *runState, step *schema.Step) (*expressions.StepEntry, error) {
	input := c.resolveInput(ctx, rs, step.Input, rs.scope)
	started := time.Now().UTC()

	output, retries, err := c.invokeWithRetry(ctx, rs, step, input)
	durationMs := time.Since(started).Milliseconds()

	if err != nil {
		return c.failStep(ctx, rs, step, err, retries, durationMs), nil
	}
	return c.completeStep(ctx, rs, step, output, retries, durationMs), nil
}

// executeLoopStep resolves the loop source and runs the step body once
// per element. Iterations are independent: they may run concurrently,
// results come back in loop order, and a failed element never stops
// its siblings.
func (c *Controller) executeLoopStep(ctx context.Context, rs *runState, step *schema.Step) (*expressions.StepEntry, error) {
	items := c.resolveLoopItems(ctx, rs, step)
	total := len(items)

	results := make([]any, total)
	failures := 0

	var mu sync.Mutex
	var wg sync.WaitGroup
	started := time.Now().UTC()

	for i, item := range items {
		_, _ = c.log.Append(ctx, rs.run.ID, step.Name, schema.EventLoopIterStarted, map[string]any{"index": i})

		idx, element := i, item
		wg.Add(1)
		err := c.pool.Submit(ctx, func(iterCtx context.Context) error {
			defer wg.Done()

			iterScope := rs.scope.WithLoop(element, idx, total)
			input := c.resolveInput(iterCtx, rs, step.Input, iterScope)

			output, _, invokeErr := c.invokeWithRetry(iterCtx, rs, step, input)

			mu.Lock()
			if invokeErr != nil {
				failures++
				results[idx] = map[string]any{
					"index":  idx,
					"status": string(schema.StepStatusFailed),
					"error":  invokeErr.Error(),
				}
			} else {
				results[idx] = output
			}
			mu.Unlock()

			_, _ = c.log.Append(iterCtx, rs.run.ID, step.Name, schema.EventLoopIterCompleted, map[string]any{"index": idx})
			return invokeErr
		})
		if err != nil {
			// Pool rejected the iteration (shutdown or cancellation).
			wg.Done()
			mu.Lock()
			failures++
			results[idx] = map[string]any{
				"index":  idx,
				"status": string(schema.StepStatusFailed),
				"error":  err.Error(),
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	durationMs := time.Since(started).Milliseconds()

	_, _ = c.log.Append(ctx, rs.run.ID, step.Name, schema.EventLoopCompleted, map[string]any{
		"iterations": total,
		"failures":   failures,
	})

	output := any(results)
	if total > 0 && failures == total {
		stepErr := schema.NewErrorf(schema.ErrCodeCapability,
			"all %d loop iterations failed", total).WithStep(step.Name).WithCapability(step.Agent)

		entry := &expressions.StepEntry{
			Output:    output,
			Status:    string(schema.StepStatusFailed),
			Timestamp: time.Now().UTC(),
		}
		payload, _ := json.Marshal(stepErr)
		if fsmErr := c.stepFSM.Transition(ctx, rs.run.ID, step.Name,
			schema.StepStatusRunning, schema.StepStatusFailed, payload); fsmErr != nil {
			logging.LogWith(ctx, c.logger).Warn("step failure transition failed",
				slog.String("error", fsmErr.Error()))
		}
		c.recordStep(ctx, rs, step, entry, stepErr, 0, durationMs)
		return entry, nil
	}
	return c.completeStep(ctx, rs, step, output, 0, durationMs), nil
}

// resolveLoopItems turns the step's loop source into a slice. A source
// that is not a sequence is a configuration error, not a run-time
// failure: it yields an empty slice so the step completes empty.
func (c *Controller) resolveLoopItems(ctx context.Context, rs *runState, step *schema.Step) []any {
	source := step.Loop
	if s, ok := source.(string); ok {
		resolved, warnings := expressions.Resolve(s, rs.scope)
		c.recordWarnings(ctx, rs, step.Name, warnings)
		source = resolved
	}

	items, ok := source.([]any)
	if !ok {
		logging.LogWith(ctx, c.logger).Warn("loop source is not a sequence, treating as empty",
			slog.String("type", typeName(source)))
		return nil
	}
	return items
}

// executeApprovalStep never calls the invoker. It records a pending
// approval and suspends the step; the run suspends with it and carries
// the run ID as its resumable token.
func (c *Controller) executeApprovalStep(ctx context.Context, rs *runState, step *schema.Step) (*expressions.StepEntry, error) {
	input := c.resolveInput(ctx, rs, step.Input, rs.scope)

	request, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRunFault,
			"encode approval request: %s", err).WithStep(step.Name).WithCause(err)
	}

	approval := &store.PendingApproval{
		ID:        uuid.NewString(),
		RunID:     rs.run.ID,
		StepName:  step.Name,
		Request:   request,
		Status:    store.ApprovalStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}

	_, _ = c.log.Append(ctx, rs.run.ID, step.Name, schema.EventApprovalRequested, json.RawMessage(request))
	if err := c.stepFSM.Transition(ctx, rs.run.ID, step.Name,
		schema.StepStatusRunning, schema.StepStatusSuspended, nil); err != nil {
		return nil, err
	}

	record := &store.StepRecord{
		RunID:    rs.run.ID,
		StepName: step.Name,
		Status:   schema.StepStatusSuspended,
		Input:    request,
	}
	if err := c.store.UpsertStepRecord(ctx, record); err != nil {
		logging.LogWith(ctx, c.logger).Warn("persist suspended step failed",
			slog.String("error", err.Error()))
	}

	logging.LogWith(ctx, c.logger).Info("approval requested",
		slog.String("approval_id", approval.ID))
	return nil, nil
}

// invokeWithRetry calls the capability with the step's timeout, retrying
// per the step's retry policy while the error is retryable.
func (c *Controller) invokeWithRetry(ctx context.Context, rs *runState, step *schema.Step, input map[string]any) (any, int, error) {
	retries := 0
	for {
		callCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout != "" {
			if dur, err := time.ParseDuration(step.Timeout); err == nil && dur > 0 {
				callCtx, cancel = context.WithTimeout(ctx, dur)
			}
		}

		output, err := c.invoker.Invoke(callCtx, step.Agent, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return output, retries, nil
		}
		if step.Retry == nil || retries >= step.Retry.Max || !IsRetryableError(err) {
			return nil, retries, err
		}

		retries++
		_, _ = c.log.Append(ctx, rs.run.ID, step.Name, schema.EventStepRetrying, map[string]any{
			"attempt":      retries,
			"max_attempts": step.Retry.Max,
			"error":        err.Error(),
		})

		if waitErr := WaitForBackoff(ctx, ComputeBackoff(step.Retry, retries-1)); waitErr != nil {
			return nil, retries, waitErr
		}
	}
}

// resolveInput resolves the step input template against the scope and
// shapes the result for the invoker, which takes a map. A template
// resolving to a bare value is wrapped under "value".
func (c *Controller) resolveInput(ctx context.Context, rs *runState, tmpl any, scope *expressions.Scope) map[string]any {
	resolved, warnings := expressions.Resolve(tmpl, scope)
	c.recordWarnings(ctx, rs, logging.StepName(ctx), warnings)

	if m, ok := resolved.(map[string]any); ok {
		return m
	}
	if resolved == nil {
		return map[string]any{}
	}
	return map[string]any{"value": resolved}
}

func (c *Controller) recordWarnings(ctx context.Context, rs *runState, stepName string, warnings []expressions.Warning) {
	if len(warnings) == 0 {
		return
	}
	rs.mu.Lock()
	rs.summary.Warnings = append(rs.summary.Warnings, warnings...)
	rs.mu.Unlock()

	for _, w := range warnings {
		_, _ = c.log.Append(ctx, rs.run.ID, stepName, schema.EventResolutionWarning, w)
		logging.LogWith(ctx, c.logger).Warn("unresolved template path",
			slog.String("expression", w.Expression))
	}
}

// completeStep seals a successful step and writes its context entry.
func (c *Controller) completeStep(ctx context.Context, rs *runState, step *schema.Step, output any, retries int, durationMs int64) *expressions.StepEntry {
	entry := &expressions.StepEntry{
		Output:    output,
		Status:    string(schema.StepStatusCompleted),
		Timestamp: time.Now().UTC(),
	}

	payload, _ := json.Marshal(output)
	if err := c.stepFSM.Transition(ctx, rs.run.ID, step.Name,
		schema.StepStatusRunning, schema.StepStatusCompleted, payload); err != nil {
		logging.LogWith(ctx, c.logger).Warn("step completion transition failed",
			slog.String("error", err.Error()))
	}

	c.recordStep(ctx, rs, step, entry, nil, retries, durationMs)
	return entry
}

// failStep seals a failed step. The failure is data in the summary, it
// never propagates past the controller.
func (c *Controller) failStep(ctx context.Context, rs *runState, step *schema.Step, err error, retries int, durationMs int64) *expressions.StepEntry {
	stepErr := asStepError(step, err)

	entry := &expressions.StepEntry{
		Output:    nil,
		Status:    string(schema.StepStatusFailed),
		Timestamp: time.Now().UTC(),
	}

	payload, _ := json.Marshal(stepErr)
	if fsmErr := c.stepFSM.Transition(ctx, rs.run.ID, step.Name,
		schema.StepStatusRunning, schema.StepStatusFailed, payload); fsmErr != nil {
		logging.LogWith(ctx, c.logger).Warn("step failure transition failed",
			slog.String("error", fsmErr.Error()))
	}

	logging.LogWith(ctx, c.logger).Warn("step failed",
		slog.String("capability", step.Agent),
		slog.String("error", stepErr.Message),
		slog.Int("retries", retries))

	c.recordStep(ctx, rs, step, entry, stepErr, retries, durationMs)
	return entry
}

func asStepError(step *schema.Step, err error) *schema.EngineError {
	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Step == "" {
			engineErr = engineErr.WithStep(step.Name)
		}
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "capability %q timed out", step.Agent).
			WithStep(step.Name).WithCapability(step.Agent).WithCause(err)
	}
	return schema.NewCapabilityError(step.Agent, err).WithStep(step.Name)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	switch v.(type) {
	case string:
		return "string"
	case map[string]any:
		return "mapping"
	case float64, int, int64:
		return "number"
	case bool:
		return "bool"
	default:
		return "unknown"
	}
}
