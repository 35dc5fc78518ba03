package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/blueprint/internal/engine"
	"github.com/loomworks/blueprint/internal/registry"
	"github.com/loomworks/blueprint/pkg/schema"
)

// Runner is the interface the scheduler uses to start blueprint runs.
// Satisfied by *engine.Controller.
type Runner interface {
	Execute(ctx context.Context, blueprintID string, triggerData map[string]any) (*engine.RunSummary, error)
}

// Scheduler registers a cron entry for every schedule-triggered blueprint
// in the registry and starts a run when the entry fires. A blueprint with
// a run still in flight is skipped, not queued.
type Scheduler struct {
	registry *registry.Registry
	runner   Runner
	cron     *cron.Cron
	parser   cron.Parser
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	baseCtx context.Context
	started bool

	inflightMu sync.Mutex
	inflight   map[string]struct{} // blueprint IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(reg *registry.Registry, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: reg,
		runner:   runner,
		cron:     cron.New(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
		inflight: make(map[string]struct{}),
	}
}

// Start registers entries for the registry's scheduled blueprints and
// launches the cron loop. ctx is the base context for every run the
// scheduler starts.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.Sync(); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", s.EntryCount()))
	return nil
}

// Sync reconciles cron entries with the registry: new schedule-triggered
// blueprints gain an entry, removed or re-triggered ones lose theirs.
// Safe to call after a definition reload.
func (s *Scheduler) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled := s.registry.Scheduled()
	wanted := make(map[string]string, len(scheduled))
	for _, bp := range scheduled {
		if bp.Trigger == nil || bp.Trigger.Cron == "" {
			continue
		}
		wanted[bp.ID] = bp.Trigger.Cron
	}

	for id, entryID := range s.entries {
		if _, ok := wanted[id]; !ok {
			s.cron.Remove(entryID)
			delete(s.entries, id)
			s.logger.Info("schedule removed", slog.String("blueprint_id", id))
		}
	}

	for id, expr := range wanted {
		if _, ok := s.entries[id]; ok {
			continue
		}
		if _, err := s.parser.Parse(expr); err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"blueprint %q: invalid cron expression %q: %s", id, expr, err).WithCause(err)
		}
		blueprintID := id
		entryID, err := s.cron.AddFunc(expr, func() {
			s.fire(blueprintID)
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"blueprint %q: register schedule: %s", id, err).WithCause(err)
		}
		s.entries[id] = entryID
		s.logger.Info("schedule registered",
			slog.String("blueprint_id", id),
			slog.String("cron", expr))
	}

	return nil
}

// fire starts one run of the blueprint unless one is already in flight.
func (s *Scheduler) fire(blueprintID string) {
	if !s.tryAcquire(blueprintID) {
		s.logger.Warn("schedule tick skipped, previous run still in flight",
			slog.String("blueprint_id", blueprintID))
		return
	}
	defer s.release(blueprintID)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	now := time.Now().UTC()
	triggerData := map[string]any{
		"trigger":      schema.TriggerSchedule,
		"scheduled_at": now.Format(time.RFC3339),
	}

	summary, err := s.runner.Execute(ctx, blueprintID, triggerData)
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("blueprint_id", blueprintID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled run finished",
		slog.String("blueprint_id", blueprintID),
		slog.String("run_id", summary.RunID),
		slog.String("status", string(summary.Status)))
}

// tryAcquire returns true and marks the blueprint as in-flight if it is
// not already running.
func (s *Scheduler) tryAcquire(blueprintID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[blueprintID]; ok {
		return false
	}
	s.inflight[blueprintID] = struct{}{}
	return true
}

func (s *Scheduler) release(blueprintID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, blueprintID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// EntryCount reports how many schedules are registered.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop gracefully shuts down the scheduler, waiting for in-flight runs
// started by cron to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
