package validation

import "github.com/loomworks/blueprint/pkg/schema"

// BlueprintValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema over the raw decoded document)
// 2. Semantic (step names, approval constraints, loop shapes)
type BlueprintValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewBlueprintValidator creates a BlueprintValidator.
func NewBlueprintValidator() (*BlueprintValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &BlueprintValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage assumes a well-formed
// document.
func (bv *BlueprintValidator) Validate(doc any, bp *schema.Blueprint) *schema.ValidationResult {
	if bp == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "blueprint is nil")
		return r
	}

	result := validateStructural(bv.jsonSchema, doc)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(bp))
	return result
}

// ValidateDocument delegates to the underlying JSONSchemaValidator.
func (bv *BlueprintValidator) ValidateDocument(doc any) error {
	return bv.jsonSchema.ValidateDocument(doc)
}

// ValidateTriggerData delegates to the underlying JSONSchemaValidator.
func (bv *BlueprintValidator) ValidateTriggerData(data map[string]any, triggerSchema []byte) error {
	return bv.jsonSchema.ValidateTriggerData(data, triggerSchema)
}

// validateStructural wraps ValidateDocument, converting its error output
// into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(doc)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, violation := range violations {
				result.AddError("/", schema.ErrCodeDefinition, violation)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeDefinition, engErr.Message)
	return result
}

var _ Validator = (*BlueprintValidator)(nil)
