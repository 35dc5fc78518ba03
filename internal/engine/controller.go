package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/blueprint/internal/capability"
	"github.com/loomworks/blueprint/internal/expressions"
	"github.com/loomworks/blueprint/internal/logging"
	"github.com/loomworks/blueprint/internal/registry"
	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/pkg/schema"
)

// DefaultLoopConcurrency bounds how many loop iterations run at once.
const DefaultLoopConcurrency = 4

// Config holds controller tuning knobs.
type Config struct {
	LoopConcurrency int
}

// RunSummary is the terminal artifact of a run. It is the sole contract
// external layers rely on to decide follow-up action; once returned it
// is never mutated.
type RunSummary struct {
	RunID         string                 `json:"run_id"`
	BlueprintID   string                 `json:"blueprint_id"`
	BlueprintName string                 `json:"blueprint_name"`
	Status        schema.RunStatus       `json:"status"`
	StepsExecuted int                    `json:"steps_executed"`
	TotalSteps    int                    `json:"total_steps"`
	Steps         []StepSummary          `json:"steps"`
	Warnings      []expressions.Warning  `json:"warnings,omitempty"`
	Error         *schema.EngineError    `json:"error,omitempty"`
	HaltedBy      string                 `json:"halted_by,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// StepSummary is the per-step entry in a run summary, in execution order.
type StepSummary struct {
	Name       string              `json:"name"`
	Agent      string              `json:"agent"`
	Status     schema.StepStatus   `json:"status"`
	Output     any                 `json:"output,omitempty"`
	Error      *schema.EngineError `json:"error,omitempty"`
	Retries    int                 `json:"retries,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
}

// RunStatus is a queryable snapshot of a run's current state.
type RunStatus struct {
	Run              *store.Run               `json:"run"`
	Steps            []*store.StepRecord      `json:"steps,omitempty"`
	PendingApprovals []*store.PendingApproval `json:"pending_approvals,omitempty"`
	Events           []*store.Event           `json:"events,omitempty"`
}

// Controller orchestrates blueprint runs: it initializes the run
// context, walks steps in definition order, resolves templates, invokes
// capabilities, evaluates halt conditions and assembles the summary.
type Controller struct {
	registry *registry.Registry
	store    store.Store
	log      *store.EventLog
	invoker  capability.Invoker
	runFSM   *RunFSM
	stepFSM  *StepFSM
	pool     *WorkerPool
	expr     *expressions.ExprEngine
	cel      *expressions.CELEngine
	logger   *slog.Logger
}

// NewController wires a controller over the given collaborators.
func NewController(reg *registry.Registry, st store.Store, inv capability.Invoker, cfg Config, logger *slog.Logger) *Controller {
	if cfg.LoopConcurrency <= 0 {
		cfg.LoopConcurrency = DefaultLoopConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	// CEL is optional; blueprints that do not select it never touch it.
	celEngine, _ := expressions.NewCELEngine()

	// All trace writes go through the event log, FSM transitions included.
	log := store.NewEventLog(st)

	return &Controller{
		registry: reg,
		store:    st,
		log:      log,
		invoker:  inv,
		runFSM:   NewRunFSM(log),
		stepFSM:  NewStepFSM(log),
		pool:     NewWorkerPool(cfg.LoopConcurrency),
		expr:     expressions.NewExprEngine(),
		cel:      celEngine,
		logger:   logger,
	}
}

// Shutdown drains the loop worker pool.
func (c *Controller) Shutdown() {
	c.pool.Shutdown()
}

// runState tracks one in-flight run. It is owned by exactly one
// Execute or Resume call; nothing here is shared across runs.
type runState struct {
	run     *store.Run
	bp      *schema.Blueprint
	scope   *expressions.Scope
	summary *RunSummary

	// mu guards summary warnings, which loop iterations append
	// concurrently. Everything else is touched by one goroutine.
	mu sync.Mutex
}

// Execute starts a new run of the blueprint and drives it to a terminal
// or suspended state. Once the run has reached running, the caller
// always receives a summary, never a bare error.
func (c *Controller) Execute(ctx context.Context, blueprintID string, triggerData map[string]any) (*RunSummary, error) {
	bp, err := c.registry.Get(blueprintID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(logging.WithBlueprintID(ctx, bp.ID), runID)

	now := time.Now().UTC()
	run := &store.Run{
		ID:          runID,
		BlueprintID: bp.ID,
		Status:      schema.RunStatusCreated,
		TriggerData: triggerData,
		CreatedAt:   now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if err := c.startRun(ctx, run); err != nil {
		return nil, err
	}

	rs := &runState{
		run: run,
		bp:  bp,
		scope: &expressions.Scope{
			TriggerData: triggerData,
			Steps:       make(map[string]expressions.StepEntry, len(bp.Steps)),
			Config:      bp.Config,
			Date:        now.Format("2006-01-02"),
		},
		summary: &RunSummary{
			RunID:         runID,
			BlueprintID:   bp.ID,
			BlueprintName: bp.Name,
			Status:        schema.RunStatusRunning,
			TotalSteps:    len(bp.Steps),
			Steps:         make([]StepSummary, 0, len(bp.Steps)),
			StartedAt:     now,
		},
	}

	logging.LogWith(ctx, c.logger).Info("run started",
		slog.Int("total_steps", len(bp.Steps)))

	return c.runSteps(ctx, rs, 0), nil
}

func (c *Controller) startRun(ctx context.Context, run *store.Run) error {
	if err := c.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	running := schema.RunStatusRunning
	if err := c.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = schema.RunStatusRunning
	run.StartedAt = &now
	return nil
}

// runSteps walks the blueprint from startIdx, in definition order, and
// finishes the run. Step failures are data and never escape; only a
// run fault flips the run to failed.
func (c *Controller) runSteps(ctx context.Context, rs *runState, startIdx int) *RunSummary {
	for i := startIdx; i < len(rs.bp.Steps); i++ {
		if ctx.Err() != nil {
			fault := schema.NewErrorf(schema.ErrCodeCancelled,
				"run interrupted before step %q", rs.bp.Steps[i].Name)
			return c.finishRun(ctx, rs, schema.RunStatusPartial, fault)
		}

		step := &rs.bp.Steps[i]
		stepCtx := logging.WithStepName(ctx, step.Name)

		entry, fault := c.executeStep(stepCtx, rs, step)
		if fault != nil {
			var engineErr *schema.EngineError
			if !errors.As(fault, &engineErr) {
				engineErr = schema.NewErrorf(schema.ErrCodeRunFault, "step %q: %s", step.Name, fault).
					WithStep(step.Name).WithCause(fault)
			}
			return c.finishRun(ctx, rs, schema.RunStatusFailed, engineErr)
		}
		if entry == nil {
			// Approval step suspended the run; the summary carries the
			// resumable token (the run ID).
			return c.suspendRun(ctx, rs)
		}

		rs.summary.StepsExecuted++

		if step.Condition == "" {
			continue
		}
		proceed, condErr := c.evaluateCondition(stepCtx, rs, step, entry)
		if condErr != nil {
			fault := schema.NewErrorf(schema.ErrCodeRunFault,
				"condition on step %q: %s", step.Name, condErr).
				WithStep(step.Name).WithCause(condErr)
			return c.finishRun(ctx, rs, schema.RunStatusFailed, fault)
		}
		if !proceed {
			_, _ = c.log.Append(ctx, rs.run.ID, step.Name, schema.EventConditionHalt, map[string]any{
				"condition":      step.Condition,
				"steps_executed": rs.summary.StepsExecuted,
			})
			rs.summary.HaltedBy = step.Name
			logging.LogWith(stepCtx, c.logger).Info("condition halted run",
				slog.String("condition", step.Condition))
			break
		}
	}

	return c.finishRun(ctx, rs, schema.RunStatusCompleted, nil)
}

// recordStep writes the step entry into the run context and summary.
// An entry exists in the context iff the step completed, successfully
// or not, in this run.
func (c *Controller) recordStep(ctx context.Context, rs *runState, step *schema.Step, entry *expressions.StepEntry, stepErr *schema.EngineError, retries int, durationMs int64) {
	rs.scope.Steps[step.Name] = *entry

	summary := StepSummary{
		Name:       step.Name,
		Agent:      step.Agent,
		Status:     schema.StepStatus(entry.Status),
		Output:     entry.Output,
		Error:      stepErr,
		Retries:    retries,
		DurationMs: durationMs,
	}
	rs.summary.Steps = append(rs.summary.Steps, summary)

	record := &store.StepRecord{
		RunID:      rs.run.ID,
		StepName:   step.Name,
		Status:     schema.StepStatus(entry.Status),
		RetryCount: retries,
		DurationMs: durationMs,
	}
	if entry.Output != nil {
		if data, err := json.Marshal(entry.Output); err == nil {
			record.Output = data
		}
	}
	if stepErr != nil {
		if data, err := json.Marshal(stepErr); err == nil {
			record.Error = data
		}
	}
	started := entry.Timestamp.Add(-time.Duration(durationMs) * time.Millisecond)
	completed := entry.Timestamp
	record.StartedAt = &started
	record.CompletedAt = &completed

	if err := c.store.UpsertStepRecord(ctx, record); err != nil {
		logging.LogWith(ctx, c.logger).Warn("persist step record failed",
			slog.String("error", err.Error()))
	}
}

// evaluateCondition runs the step's condition against the step's own
// result plus the full run context. The engine is Expr unless the
// blueprint's config selects CEL.
func (c *Controller) evaluateCondition(ctx context.Context, rs *runState, step *schema.Step, entry *expressions.StepEntry) (bool, error) {
	eng, err := c.conditionEngine(rs.bp)
	if err != nil {
		return false, err
	}

	data := rs.scope.AsMap()
	if entry.Status == string(schema.StepStatusFailed) {
		// A failed step's result is an error record, so paths like
		// result.approved resolve to nil and the condition halts.
		data["result"] = map[string]any{"failed": true}
	} else {
		data["result"] = entry.Output
	}

	proceed, err := expressions.EvaluateBool(ctx, eng, step.Condition, data)
	if err != nil {
		return false, err
	}

	_, _ = c.log.Append(ctx, rs.run.ID, step.Name, schema.EventConditionEvaluated, map[string]any{
		"condition": step.Condition,
		"engine":    eng.Name(),
		"result":    proceed,
	})
	return proceed, nil
}

func (c *Controller) conditionEngine(bp *schema.Blueprint) (expressions.Engine, error) {
	name, _ := bp.Config[schema.ConfigConditionEngine].(string)
	switch name {
	case "", "expr":
		return c.expr, nil
	case "cel":
		if c.cel == nil {
			return nil, schema.NewError(schema.ErrCodeExpression, "cel condition engine unavailable")
		}
		return c.cel, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown condition engine %q", name)
	}
}

// suspendRun parks the run waiting for a human decision.
func (c *Controller) suspendRun(ctx context.Context, rs *runState) *RunSummary {
	if err := c.runFSM.Transition(ctx, rs.run.ID, schema.RunStatusRunning, schema.RunStatusSuspended); err != nil {
		logging.LogWith(ctx, c.logger).Error("suspend transition failed",
			slog.String("error", err.Error()))
	}
	suspended := schema.RunStatusSuspended
	if err := c.store.UpdateRun(ctx, rs.run.ID, store.RunUpdate{Status: &suspended}); err != nil {
		logging.LogWith(ctx, c.logger).Error("persist suspended run failed",
			slog.String("error", err.Error()))
	}
	rs.summary.Status = schema.RunStatusSuspended
	logging.LogWith(ctx, c.logger).Info("run suspended awaiting approval")
	return rs.summary
}

// finishRun moves the run to its terminal state and seals the summary.
func (c *Controller) finishRun(ctx context.Context, rs *runState, status schema.RunStatus, fault *schema.EngineError) *RunSummary {
	// The run context may be cancelled; finishing must still persist.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	rs.summary.Status = status
	rs.summary.Error = fault
	now := time.Now().UTC()
	rs.summary.CompletedAt = &now

	if err := c.runFSM.Transition(ctx, rs.run.ID, schema.RunStatusRunning, status); err != nil {
		logging.LogWith(ctx, c.logger).Error("terminal transition failed",
			slog.String("error", err.Error()))
	}

	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if data, err := json.Marshal(rs.summary); err == nil {
		update.Summary = data
	}
	if fault != nil {
		if data, err := json.Marshal(fault); err == nil {
			update.Error = data
		}
	}
	if err := c.store.UpdateRun(ctx, rs.run.ID, update); err != nil {
		logging.LogWith(ctx, c.logger).Error("persist terminal run failed",
			slog.String("error", err.Error()))
	}

	logging.LogWith(ctx, c.logger).Info("run finished",
		slog.String("status", string(status)),
		slog.Int("steps_executed", rs.summary.StepsExecuted),
		slog.Int("total_steps", rs.summary.TotalSteps))

	return rs.summary
}

// Resume continues a suspended run once its pending approval has been
// resolved. The run context is rebuilt from persisted step records.
func (c *Controller) Resume(ctx context.Context, runID string) (*RunSummary, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"cannot resume run in status %s", run.Status)
	}

	bp, err := c.registry.Get(run.BlueprintID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(logging.WithBlueprintID(ctx, bp.ID), runID)

	approvals, err := c.store.ListApprovals(ctx, store.ApprovalFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	var resolved *store.PendingApproval
	for _, a := range approvals {
		switch a.Status {
		case store.ApprovalStatusPending:
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"approval %q is still pending", a.ID)
		case store.ApprovalStatusResolved:
			resolved = a
		}
	}
	if resolved == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no resolved approval for run "+runID)
	}

	if err := c.runFSM.Transition(ctx, runID, schema.RunStatusSuspended, schema.RunStatusResuming); err != nil {
		return nil, err
	}
	if err := c.runFSM.Transition(ctx, runID, schema.RunStatusResuming, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := c.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &running}); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatusRunning

	rs, nextIdx, err := c.rebuildRunState(ctx, run, bp, resolved)
	if err != nil {
		return nil, err
	}

	logging.LogWith(ctx, c.logger).Info("run resumed",
		slog.String("approval_id", resolved.ID),
		slog.Int("next_step", nextIdx))

	return c.runSteps(ctx, rs, nextIdx), nil
}

// rebuildRunState reconstructs the run context from persisted step
// records, injects the approval decision as the suspended step's
// output, and returns the index of the first step still to run.
func (c *Controller) rebuildRunState(ctx context.Context, run *store.Run, bp *schema.Blueprint, approval *store.PendingApproval) (*runState, int, error) {
	records, err := c.store.ListStepRecords(ctx, run.ID)
	if err != nil {
		return nil, 0, err
	}
	byName := make(map[string]*store.StepRecord, len(records))
	for _, record := range records {
		byName[record.StepName] = record
	}

	// Replay verifies the trace is gapless and keeps a per-step view of
	// it; a step whose record row was lost is reconstructed from there.
	replayed, err := c.log.Replay(ctx, run.ID)
	if err != nil {
		return nil, 0, err
	}

	startedAt := run.CreatedAt
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	rs := &runState{
		run: run,
		bp:  bp,
		scope: &expressions.Scope{
			TriggerData: run.TriggerData,
			Steps:       make(map[string]expressions.StepEntry, len(bp.Steps)),
			Config:      bp.Config,
			Date:        startedAt.Format("2006-01-02"),
		},
		summary: &RunSummary{
			RunID:         run.ID,
			BlueprintID:   bp.ID,
			BlueprintName: bp.Name,
			Status:        schema.RunStatusRunning,
			TotalSteps:    len(bp.Steps),
			Steps:         make([]StepSummary, 0, len(bp.Steps)),
			StartedAt:     startedAt,
		},
	}

	nextIdx := 0
	for i := range bp.Steps {
		step := &bp.Steps[i]

		if step.Name == approval.StepName {
			// Replace the suspension point with the human decision.
			entry, stepErr := c.applyApprovalDecision(ctx, rs, step, approval)
			if stepErr != nil {
				return nil, 0, stepErr
			}
			rs.summary.StepsExecuted++
			if step.Condition != "" {
				proceed, condErr := c.evaluateCondition(ctx, rs, step, entry)
				if condErr != nil {
					return nil, 0, condErr
				}
				if !proceed {
					_, _ = c.log.Append(ctx, run.ID, step.Name, schema.EventConditionHalt, map[string]any{
						"condition":      step.Condition,
						"steps_executed": rs.summary.StepsExecuted,
					})
					rs.summary.HaltedBy = step.Name
					nextIdx = len(bp.Steps)
					break
				}
			}
			nextIdx = i + 1
			continue
		}

		record, ok := byName[step.Name]
		if !ok {
			record, ok = replayed[step.Name], replayed[step.Name] != nil
		}
		if !ok || !isTerminalStep(record.Status) {
			nextIdx = i
			break
		}

		entry := expressions.StepEntry{Status: string(record.Status)}
		if record.CompletedAt != nil {
			entry.Timestamp = *record.CompletedAt
		}
		if len(record.Output) > 0 {
			var out any
			if err := json.Unmarshal(record.Output, &out); err == nil {
				entry.Output = out
			}
		}
		rs.scope.Steps[step.Name] = entry

		summary := StepSummary{
			Name:       step.Name,
			Agent:      step.Agent,
			Status:     record.Status,
			Output:     entry.Output,
			Retries:    record.RetryCount,
			DurationMs: record.DurationMs,
		}
		if len(record.Error) > 0 {
			var stepErr schema.EngineError
			if err := json.Unmarshal(record.Error, &stepErr); err == nil {
				summary.Error = &stepErr
			}
		}
		rs.summary.Steps = append(rs.summary.Steps, summary)
		rs.summary.StepsExecuted++
		nextIdx = i + 1
	}

	return rs, nextIdx, nil
}

// applyApprovalDecision completes the suspended approval step with the
// decision payload as its output.
func (c *Controller) applyApprovalDecision(ctx context.Context, rs *runState, step *schema.Step, approval *store.PendingApproval) (*expressions.StepEntry, *schema.EngineError) {
	var decision schema.ApprovalDecision
	if err := json.Unmarshal(approval.Resolution, &decision); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"decode approval resolution: %s", err).WithStep(step.Name).WithCause(err)
	}

	output := map[string]any{
		"approved":       decision.Approved,
		"approved_items": decision.ApprovedItems,
		"approved_by":    decision.ApprovedBy,
		"approved_at":    decision.ApprovedAt.UTC().Format(time.RFC3339),
	}
	if decision.Comment != "" {
		output["comment"] = decision.Comment
	}

	now := time.Now().UTC()
	entry := &expressions.StepEntry{
		Output:    output,
		Status:    string(schema.StepStatusCompleted),
		Timestamp: now,
	}

	payload, _ := json.Marshal(output)
	if err := c.stepFSM.Transition(ctx, rs.run.ID, step.Name,
		schema.StepStatusSuspended, schema.StepStatusCompleted, payload); err != nil {
		logging.LogWith(ctx, c.logger).Warn("approval step transition failed",
			slog.String("error", err.Error()))
	}

	c.recordStep(ctx, rs, step, entry, nil, 0, 0)
	return entry, nil
}

// Approve resolves a pending approval and returns the run it belongs
// to, so the caller can resume it.
func (c *Controller) Approve(ctx context.Context, approvalID string, decision schema.ApprovalDecision) (string, error) {
	approval, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", err
	}
	if decision.ApprovedAt.IsZero() {
		decision.ApprovedAt = time.Now().UTC()
	}

	resolution, err := json.Marshal(decision)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "encode decision: %s", err).WithCause(err)
	}
	if err := c.store.ResolveApproval(ctx, approvalID, resolution, decision.ApprovedBy); err != nil {
		return "", err
	}

	_, _ = c.log.Append(ctx, approval.RunID, approval.StepName, schema.EventApprovalResolved, json.RawMessage(resolution))

	return approval.RunID, nil
}

// Status returns a snapshot of the run.
func (c *Controller) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListStepRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	approvals, err := c.store.ListApprovals(ctx, store.ApprovalFilter{
		RunID:  runID,
		Status: store.ApprovalStatusPending,
	})
	if err != nil {
		return nil, err
	}
	events, err := c.log.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatus{
		Run:              run,
		Steps:            steps,
		PendingApprovals: approvals,
		Events:           events,
	}, nil
}
