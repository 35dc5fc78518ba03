package capability

import (
	"context"
	"encoding/json"
)

// Capability is an executable unit of work a step can be bound to via its
// agent identifier.
type Capability interface {
	Name() string
	Schema() CapabilitySchema
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// CapabilitySchema describes the input/output contract of a capability.
type CapabilitySchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Info is a summary of a registered capability for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Invoker is the seam between the engine and the capabilities it calls.
// The engine never talks to a capability directly; everything crosses this
// boundary so fault handling stays in one place.
type Invoker interface {
	Invoke(ctx context.Context, agent string, input map[string]any) (any, error)
}
