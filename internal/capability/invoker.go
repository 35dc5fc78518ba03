package capability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomworks/blueprint/pkg/schema"
)

// RegistryInvoker resolves agent identifiers against a capability registry
// and executes them behind per-capability circuit breakers. Every fault
// surfaces as a CAPABILITY_ERROR carrying the agent name, so the engine can
// treat step failures as data.
type RegistryInvoker struct {
	registry *Registry
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewRegistryInvoker creates an invoker backed by the given registry.
// logger may be nil.
func NewRegistryInvoker(registry *Registry, breakers *CircuitBreakerRegistry, logger *slog.Logger) *RegistryInvoker {
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryInvoker{registry: registry, breakers: breakers, logger: logger}
}

// Invoke executes the named capability with the resolved input. Timeouts
// are the caller's concern: the engine attaches deadlines to ctx per step.
func (ri *RegistryInvoker) Invoke(ctx context.Context, agent string, input map[string]any) (any, error) {
	c, err := ri.registry.Get(agent)
	if err != nil {
		return nil, schema.NewCapabilityError(agent, err)
	}

	if err := ri.breakers.AllowRequest(agent); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := c.Execute(ctx, input)
	elapsed := time.Since(start)

	if err != nil {
		state := ri.breakers.RecordFailure(agent)
		ri.logger.Warn("capability invocation failed",
			slog.String("capability", agent),
			slog.Duration("elapsed", elapsed),
			slog.String("circuit_state", state.String()),
			slog.String("error", err.Error()))

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"capability %q timed out after %s", agent, elapsed.Round(time.Millisecond)).
				WithCapability(agent).
				WithCause(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "invocation cancelled").
				WithCapability(agent).
				WithCause(err)
		}

		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return nil, engErr.WithCapability(agent)
		}
		return nil, schema.NewCapabilityError(agent, err)
	}

	ri.breakers.RecordSuccess(agent)
	ri.logger.Debug("capability invocation succeeded",
		slog.String("capability", agent),
		slog.Duration("elapsed", elapsed))
	return out, nil
}

// Breakers exposes the circuit breaker registry for diagnostics.
func (ri *RegistryInvoker) Breakers() *CircuitBreakerRegistry {
	return ri.breakers
}

var _ Invoker = (*RegistryInvoker)(nil)
