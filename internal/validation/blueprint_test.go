package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/blueprint/pkg/schema"
)

func validDoc() map[string]any {
	return map[string]any{
		"id":          "invoice-chaser",
		"name":        "Invoice chaser",
		"description": "Finds overdue invoices and chases them",
		"steps": []any{
			map[string]any{
				"name":   "fetch_invoices",
				"agent":  "billing.query",
				"input":  map[string]any{"status": "overdue"},
				"output": "invoices",
			},
		},
	}
}

func validBlueprint() *schema.Blueprint {
	return &schema.Blueprint{
		ID:          "invoice-chaser",
		Name:        "Invoice chaser",
		Description: "Finds overdue invoices and chases them",
		Steps: []schema.Step{
			{
				Name:   "fetch_invoices",
				Agent:  "billing.query",
				Input:  map[string]any{"status": "overdue"},
				Output: "invoices",
			},
		},
	}
}

func TestBlueprintValidator_ValidDefinition(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	result := bv.Validate(validDoc(), validBlueprint())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	require.NoError(t, result.ToError())
}

func TestBlueprintValidator_MissingRequiredFields(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	t.Run("missing id", func(t *testing.T) {
		doc := validDoc()
		delete(doc, "id")
		result := bv.Validate(doc, validBlueprint())
		assert.False(t, result.Valid())
	})

	t.Run("missing description", func(t *testing.T) {
		doc := validDoc()
		delete(doc, "description")
		result := bv.Validate(doc, validBlueprint())
		assert.False(t, result.Valid())
	})

	t.Run("empty steps", func(t *testing.T) {
		doc := validDoc()
		doc["steps"] = []any{}
		result := bv.Validate(doc, validBlueprint())
		assert.False(t, result.Valid())
	})

	t.Run("step missing output", func(t *testing.T) {
		doc := validDoc()
		doc["steps"] = []any{
			map[string]any{
				"name":  "fetch",
				"agent": "billing.query",
				"input": map[string]any{},
			},
		}
		result := bv.Validate(doc, validBlueprint())
		assert.False(t, result.Valid())
	})
}

func TestBlueprintValidator_UnknownKeysRejected(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	doc := validDoc()
	doc["surprise"] = true
	result := bv.Validate(doc, validBlueprint())
	assert.False(t, result.Valid())
}

func TestBlueprintValidator_DuplicateStepNames(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	bp := validBlueprint()
	bp.Steps = append(bp.Steps, schema.Step{
		Name: "fetch_invoices", Agent: "billing.query", Input: map[string]any{}, Output: "again",
	})

	doc := validDoc()
	doc["steps"] = []any{
		map[string]any{"name": "fetch_invoices", "agent": "billing.query", "input": map[string]any{}, "output": "invoices"},
		map[string]any{"name": "fetch_invoices", "agent": "billing.query", "input": map[string]any{}, "output": "again"},
	}

	result := bv.Validate(doc, bp)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step name")
}

func TestBlueprintValidator_ApprovalConstraints(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	t.Run("approval with loop is an error", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Agent = schema.AgentHumanApproval
		bp.Steps[0].Loop = "{{ trigger_data.items }}"

		doc := validDoc()
		steps := doc["steps"].([]any)
		step := steps[0].(map[string]any)
		step["agent"] = schema.AgentHumanApproval
		step["loop"] = "{{ trigger_data.items }}"

		result := bv.Validate(doc, bp)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "cannot loop")
	})

	t.Run("approval with retry is a warning", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Agent = schema.AgentHumanApproval
		bp.Steps[0].Retry = &schema.RetryPolicy{Max: 2}

		doc := validDoc()
		steps := doc["steps"].([]any)
		step := steps[0].(map[string]any)
		step["agent"] = schema.AgentHumanApproval
		step["retry"] = map[string]any{"max": 2}

		result := bv.Validate(doc, bp)
		assert.True(t, result.Valid())
		assert.NotEmpty(t, result.Warnings)
	})
}

func TestBlueprintValidator_LoopShape(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	t.Run("placeholder string is fine", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Loop = "{{ steps.fetch.output.items }}"
		result := bv.Validate(validDocWithLoop("{{ steps.fetch.output.items }}"), bp)
		assert.True(t, result.Valid(), "errors: %v", result.Errors)
	})

	t.Run("literal sequence is fine", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Loop = []any{"a", "b"}
		result := bv.Validate(validDocWithLoop([]any{"a", "b"}), bp)
		assert.True(t, result.Valid(), "errors: %v", result.Errors)
	})

	t.Run("bare string is an error", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Loop = "not a placeholder"
		result := bv.Validate(validDocWithLoop("not a placeholder"), bp)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "neither a sequence nor a template placeholder")
	})
}

func validDocWithLoop(loop any) map[string]any {
	doc := validDoc()
	steps := doc["steps"].([]any)
	step := steps[0].(map[string]any)
	step["loop"] = loop
	return doc
}

func TestBlueprintValidator_TriggerSemantics(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	t.Run("schedule without cron", func(t *testing.T) {
		bp := validBlueprint()
		bp.Trigger = &schema.Trigger{Type: schema.TriggerSchedule}
		doc := validDoc()
		doc["trigger"] = map[string]any{"type": "schedule"}

		result := bv.Validate(doc, bp)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "cron")
	})

	t.Run("webhook without event or source", func(t *testing.T) {
		bp := validBlueprint()
		bp.Trigger = &schema.Trigger{Type: schema.TriggerWebhook}
		doc := validDoc()
		doc["trigger"] = map[string]any{"type": "webhook"}

		result := bv.Validate(doc, bp)
		assert.False(t, result.Valid())
	})

	t.Run("unknown trigger type rejected structurally", func(t *testing.T) {
		doc := validDoc()
		doc["trigger"] = map[string]any{"type": "telepathy"}
		result := bv.Validate(doc, validBlueprint())
		assert.False(t, result.Valid())
	})
}

func TestBlueprintValidator_ConditionEngineConfig(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	t.Run("cel accepted", func(t *testing.T) {
		bp := validBlueprint()
		bp.Config = map[string]any{schema.ConfigConditionEngine: "cel"}
		doc := validDoc()
		doc["config"] = map[string]any{schema.ConfigConditionEngine: "cel"}
		result := bv.Validate(doc, bp)
		assert.True(t, result.Valid())
	})

	t.Run("unknown engine rejected", func(t *testing.T) {
		bp := validBlueprint()
		bp.Config = map[string]any{schema.ConfigConditionEngine: "prolog"}
		doc := validDoc()
		doc["config"] = map[string]any{schema.ConfigConditionEngine: "prolog"}
		result := bv.Validate(doc, bp)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "unknown condition engine")
	})
}

func TestBlueprintValidator_RetryBounds(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	t.Run("invalid backoff rejected", func(t *testing.T) {
		doc := validDoc()
		steps := doc["steps"].([]any)
		step := steps[0].(map[string]any)
		step["retry"] = map[string]any{"max": 3, "backoff": "fibonacci"}
		result := bv.Validate(doc, validBlueprint())
		assert.False(t, result.Valid())
	})

	t.Run("high retry count warns", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Retry = &schema.RetryPolicy{Max: 50}
		doc := validDoc()
		steps := doc["steps"].([]any)
		step := steps[0].(map[string]any)
		step["retry"] = map[string]any{"max": 50}
		result := bv.Validate(doc, bp)
		assert.True(t, result.Valid())
		assert.NotEmpty(t, result.Warnings)
	})
}

func TestBlueprintValidator_Durations(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	withTimeout := func(timeout string) (map[string]any, *schema.Blueprint) {
		doc := validDoc()
		steps := doc["steps"].([]any)
		step := steps[0].(map[string]any)
		step["timeout"] = timeout
		bp := validBlueprint()
		bp.Steps[0].Timeout = timeout
		return doc, bp
	}

	t.Run("accepts anything ParseDuration accepts", func(t *testing.T) {
		for _, timeout := range []string{"30s", "1m30s", "1.5s", "2h45m"} {
			doc, bp := withTimeout(timeout)
			result := bv.Validate(doc, bp)
			assert.True(t, result.Valid(), "timeout %q: %v", timeout, result.Errors)
		}
	})

	t.Run("rejects what ParseDuration rejects", func(t *testing.T) {
		for _, timeout := range []string{"fast", "10", "s"} {
			doc, bp := withTimeout(timeout)
			result := bv.Validate(doc, bp)
			assert.False(t, result.Valid(), "timeout %q", timeout)
		}
	})

	t.Run("rejects non-positive retry delay", func(t *testing.T) {
		bp := validBlueprint()
		bp.Steps[0].Retry = &schema.RetryPolicy{Max: 2, Delay: "0s"}
		doc := validDoc()
		steps := doc["steps"].([]any)
		step := steps[0].(map[string]any)
		step["retry"] = map[string]any{"max": 2, "delay": "0s"}
		result := bv.Validate(doc, bp)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "must be positive")
	})
}

func TestValidateTriggerData(t *testing.T) {
	bv, err := NewBlueprintValidator()
	require.NoError(t, err)

	triggerSchema := []byte(`{
		"type": "object",
		"required": ["customer_id"],
		"properties": {
			"customer_id": { "type": "string" }
		}
	}`)

	t.Run("valid payload", func(t *testing.T) {
		err := bv.ValidateTriggerData(map[string]any{"customer_id": "c-1"}, triggerSchema)
		assert.NoError(t, err)
	})

	t.Run("missing field", func(t *testing.T) {
		err := bv.ValidateTriggerData(map[string]any{}, triggerSchema)
		require.Error(t, err)
		engErr, ok := err.(*schema.EngineError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
	})

	t.Run("no schema means no validation", func(t *testing.T) {
		err := bv.ValidateTriggerData(map[string]any{"anything": true}, nil)
		assert.NoError(t, err)
	})

	t.Run("schema is cached", func(t *testing.T) {
		require.NoError(t, bv.ValidateTriggerData(map[string]any{"customer_id": "a"}, triggerSchema))
		require.NoError(t, bv.ValidateTriggerData(map[string]any{"customer_id": "b"}, triggerSchema))

		bv.jsonSchema.mu.RLock()
		cacheLen := len(bv.jsonSchema.cache)
		bv.jsonSchema.mu.RUnlock()
		assert.Equal(t, 1, cacheLen)
	})
}
