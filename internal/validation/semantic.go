package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/blueprint/pkg/schema"
)

// validateSemantic performs checks that JSON Schema cannot express:
// duplicate step names, approval step constraints, loop shapes and output
// name reuse.
func validateSemantic(bp *schema.Blueprint) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(bp.Steps))
	outputs := make(map[string]string, len(bp.Steps))

	for i := range bp.Steps {
		step := &bp.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if seen[step.Name] {
			result.AddError(path+".name", schema.ErrCodeDefinition,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = true

		if prev, ok := outputs[step.Output]; ok {
			result.AddWarning(path+".output", schema.ErrCodeDefinition,
				fmt.Sprintf("output name %q already used by step %q; the later result wins", step.Output, prev))
		} else {
			outputs[step.Output] = step.Name
		}

		validateStepSemantic(step, path, result)
	}

	if bp.Trigger != nil {
		validateTriggerSemantic(bp.Trigger, result)
	}

	if engine, ok := bp.Config[schema.ConfigConditionEngine]; ok {
		name, isString := engine.(string)
		if !isString || (name != "expr" && name != "cel") {
			result.AddError("config."+schema.ConfigConditionEngine, schema.ErrCodeDefinition,
				fmt.Sprintf("unknown condition engine %v; available: expr, cel", engine))
		}
	}

	return result
}

func validateStepSemantic(step *schema.Step, path string, result *schema.ValidationResult) {
	if step.Agent == schema.AgentHumanApproval {
		if step.Loop != nil {
			result.AddError(path+".loop", schema.ErrCodeDefinition,
				fmt.Sprintf("approval step %q cannot loop; pass the collection in input and approve items individually", step.Name))
		}
		if step.Retry != nil {
			result.AddWarning(path+".retry", schema.ErrCodeDefinition,
				"retry has no effect on approval steps")
		}
	}

	// A loop given as a string must be a template placeholder that resolves
	// to a sequence at run time. Anything else can never iterate.
	if loopStr, ok := step.Loop.(string); ok {
		if !strings.Contains(loopStr, "{{") || !strings.Contains(loopStr, "}}") {
			result.AddError(path+".loop", schema.ErrCodeDefinition,
				fmt.Sprintf("loop %q is neither a sequence nor a template placeholder", loopStr))
		}
	}

	if step.Retry != nil && step.Retry.Max > 10 {
		result.AddWarning(path+".retry.max", schema.ErrCodeDefinition,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
	}

	validateDuration(step.Timeout, path+".timeout", result)
	if step.Retry != nil {
		validateDuration(step.Retry.Delay, path+".retry.delay", result)
		validateDuration(step.Retry.MaxDelay, path+".retry.max_delay", result)
	}
}

// validateDuration checks a duration field the way the engine will read
// it, so values like "1m30s" pass and only what time.ParseDuration
// rejects is an error.
func validateDuration(value, path string, result *schema.ValidationResult) {
	if value == "" {
		return
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		result.AddError(path, schema.ErrCodeDefinition,
			fmt.Sprintf("invalid duration %q", value))
		return
	}
	if dur <= 0 {
		result.AddError(path, schema.ErrCodeDefinition,
			fmt.Sprintf("duration %q must be positive", value))
	}
}

func validateTriggerSemantic(trigger *schema.Trigger, result *schema.ValidationResult) {
	switch trigger.Type {
	case schema.TriggerSchedule:
		if trigger.Cron == "" {
			result.AddError("trigger.cron", schema.ErrCodeDefinition,
				"schedule trigger requires a cron expression")
		}
	case schema.TriggerWebhook:
		if trigger.Event == "" && trigger.Source == "" {
			result.AddError("trigger", schema.ErrCodeDefinition,
				"webhook trigger requires an event or source")
		}
	}
}
