package store

import (
	"encoding/json"
	"time"

	"github.com/loomworks/blueprint/pkg/schema"
)

// Run is the persisted representation of a blueprint execution.
type Run struct {
	ID          string           `json:"id"`
	BlueprintID string           `json:"blueprint_id"`
	Status      schema.RunStatus `json:"status"`
	TriggerData map[string]any   `json:"trigger_data,omitempty"`
	Summary     json.RawMessage  `json:"summary,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Event is an immutable entry in the execution trace log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// StepRecord is the materialized view of a step's current state in a run.
type StepRecord struct {
	RunID       string            `json:"run_id"`
	StepName    string            `json:"step_name"`
	Status      schema.StepStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// PendingApproval is a human-approval gate awaiting a decision. The run it
// belongs to is suspended until the approval resolves.
type PendingApproval struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepName   string          `json:"step_name"`
	Request    json.RawMessage `json:"request"`
	Status     string          `json:"status"` // pending, resolved, cancelled
	Resolution json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Approval status values.
const (
	ApprovalStatusPending   = "pending"
	ApprovalStatusResolved  = "resolved"
	ApprovalStatusCancelled = "cancelled"
)

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	BlueprintID string            `json:"blueprint_id,omitempty"`
	Since       *time.Time        `json:"since,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Offset      int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Summary     json.RawMessage   `json:"summary,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepName  string     `json:"step_name,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
