package capability

import (
	"context"
	"encoding/json"
)

// RegisterBuiltins registers all built-in capabilities in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	builtins := []Capability{
		NewHTTPRequest(httpCfg),
		NewJQTransform(),
		NewEcho(),
	}

	for _, c := range builtins {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Echo implements the "core.echo" capability: it returns its input
// unchanged. Useful for wiring checks and as a template debugging aid.
type Echo struct{}

// NewEcho creates the core.echo capability.
func NewEcho() *Echo {
	return &Echo{}
}

func (a *Echo) Name() string { return "core.echo" }

func (a *Echo) Schema() CapabilitySchema {
	return CapabilitySchema{
		Description: "Return the resolved input unchanged.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (a *Echo) Execute(ctx context.Context, input map[string]any) (any, error) {
	return input, nil
}

var _ Capability = (*Echo)(nil)
