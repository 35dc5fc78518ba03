package validation

import "github.com/loomworks/blueprint/pkg/schema"

// Validator checks blueprint definitions for correctness before they are
// admitted to the registry. Uses JSON Schema Draft 2020-12 for structural
// validation.
type Validator interface {
	ValidateDocument(doc any) error
	ValidateTriggerData(data map[string]any, triggerSchema []byte) error
	Validate(doc any, bp *schema.Blueprint) *schema.ValidationResult
}
