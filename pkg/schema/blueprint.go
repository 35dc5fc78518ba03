package schema

import "time"

// AgentHumanApproval is the reserved agent identifier for human-gated steps.
// Steps bound to it never reach the capability invoker; the engine produces
// an approval decision result instead.
const AgentHumanApproval = "human.approval"

// Blueprint is a named, ordered workflow definition. Immutable once loaded:
// re-loading a definition replaces the registry entry, it never mutates one.
type Blueprint struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Trigger     *Trigger       `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Config      map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Steps       []Step         `yaml:"steps" json:"steps"`
}

// Step is one unit of work within a blueprint. Kind is not part of the
// definition format; the loader decides it once so invalid step shapes are
// caught at load time instead of at dispatch time.
type Step struct {
	Name      string       `yaml:"name" json:"name"`
	Agent     string       `yaml:"agent" json:"agent"`
	Input     any          `yaml:"input" json:"input"`
	Output    string       `yaml:"output" json:"output"`
	Loop      any          `yaml:"loop,omitempty" json:"loop,omitempty"`
	Condition string       `yaml:"condition,omitempty" json:"condition,omitempty"`
	Timeout   string       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry     *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	Kind StepKind `yaml:"-" json:"kind"`
}

// StepKind enumerates the closed set of execution strategies.
type StepKind string

const (
	StepKindInvoke   StepKind = "invoke"
	StepKindLoop     StepKind = "loop"
	StepKindApproval StepKind = "approval"
)

// Trigger describes how a blueprint is invoked. The engine treats it as
// opaque metadata; only the scheduler and webhook router interpret it.
type Trigger struct {
	Type   string         `yaml:"type" json:"type"`
	Cron   string         `yaml:"cron,omitempty" json:"cron,omitempty"`
	Event  string         `yaml:"event,omitempty" json:"event,omitempty"`
	Source string         `yaml:"source,omitempty" json:"source,omitempty"`
	Extra  map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// Trigger type identifiers understood by the scheduling/webhook layer.
const (
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
)

// RetryPolicy configures retry behavior at the capability invoker seam.
type RetryPolicy struct {
	Max      int    `yaml:"max" json:"max"`
	Backoff  string `yaml:"backoff,omitempty" json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `yaml:"delay,omitempty" json:"delay,omitempty"`
	MaxDelay string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// ApprovalDecision is the result contract of a human-approval step. It is
// stored as the step's output, so later templates address it as
// steps.<name>.output.approved etc.
type ApprovalDecision struct {
	Approved      bool      `json:"approved"`
	ApprovedItems any       `json:"approved_items,omitempty"`
	ApprovedBy    string    `json:"approved_by,omitempty"`
	ApprovedAt    time.Time `json:"approved_at,omitempty"`
	Comment       string    `json:"comment,omitempty"`
}

// ConfigConditionEngine is the blueprint config key selecting the condition
// expression engine ("expr" by default, "cel" as the alternative).
const ConfigConditionEngine = "condition_engine"
