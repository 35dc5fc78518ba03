package streaming

import "context"

// RunEvent is a real-time event emitted while a blueprint run executes.
// It mirrors the persisted trace event, minus storage concerns.
type RunEvent struct {
	RunID     string `json:"run_id"`
	StepName  string `json:"step_name,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
