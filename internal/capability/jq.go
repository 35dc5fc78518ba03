package capability

import (
	"context"
	"encoding/json"

	"github.com/loomworks/blueprint/internal/expressions"
	"github.com/loomworks/blueprint/pkg/schema"
)

const jqInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {},
    "all": {"type": "boolean", "default": false}
  },
  "required": ["expression", "data"]
}`

// JQTransform implements the "jq.transform" capability: it reshapes data
// carried between steps using jq expressions.
type JQTransform struct {
	engine *expressions.GoJQEngine
}

// NewJQTransform creates the jq.transform capability.
func NewJQTransform() *JQTransform {
	return &JQTransform{engine: expressions.NewGoJQEngine()}
}

func (a *JQTransform) Name() string { return "jq.transform" }

func (a *JQTransform) Schema() CapabilitySchema {
	return CapabilitySchema{
		Description: "Filter, reshape and aggregate structured data with a jq expression.",
		InputSchema: json.RawMessage(jqInputSchema),
	}
}

func (a *JQTransform) Execute(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}

	expression := stringParam(input, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'expression'")
	}

	data, ok := input["data"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'data'")
	}

	dataMap, ok := data.(map[string]any)
	if !ok {
		// jq wants an object at the root; wrap anything else.
		dataMap = map[string]any{"data": data}
		expression = ".data | " + expression
	}

	if boolParam(input, "all", false) {
		out, err := a.engine.EvaluateAll(ctx, expression, dataMap)
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	return a.engine.EvaluateNormalized(ctx, expression, dataMap)
}

var _ Capability = (*JQTransform)(nil)
