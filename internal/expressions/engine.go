package expressions

import (
	"context"

	"github.com/loomworks/blueprint/pkg/schema"
)

// Engine evaluates an expression against a resolution scope rendered as a
// map. Three implementations: Expr (default condition engine), CEL
// (alternate, selected via config) and GoJQ (data transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool runs the expression and coerces the result to a boolean.
// A nil result (a path into a missing or failed value) is false; any
// other non-boolean result is an expression error: conditions must be
// unambiguous about whether a run proceeds.
func EvaluateBool(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if out == nil {
		return false, nil
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, expected bool", eng.Name(), expression, out)
	}
	return b, nil
}
