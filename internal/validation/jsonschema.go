package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/blueprint/pkg/schema"
)

// blueprintSchemaJSON is the JSON Schema for blueprint definition documents.
// Embedded as a constant to avoid filesystem dependencies.
const blueprintSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/blueprint.json",
  "type": "object",
  "required": ["id", "name", "description", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z0-9][a-z0-9._-]*$"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": {
      "type": "string",
      "minLength": 1
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["schedule", "webhook", "manual"]
        },
        "cron": { "type": "string" },
        "event": { "type": "string" },
        "source": { "type": "string" }
      }
    },
    "config": {
      "type": "object"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "agent", "input", "output"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[a-zA-Z0-9_]+$"
        },
        "agent": {
          "type": "string",
          "minLength": 1
        },
        "input": {},
        "output": {
          "type": "string",
          "minLength": 1
        },
        "loop": {},
        "condition": {
          "type": "string",
          "minLength": 1
        },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation of decoded definition
// documents using JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	blueprintSchema *jsonschema.Schema

	// mu guards the cache for dynamic trigger-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the blueprint
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(blueprintSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal blueprint schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/blueprint.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add blueprint schema resource: %w", err)
	}

	bpSchema, err := c.Compile("https://loomworks.dev/schemas/blueprint.json")
	if err != nil {
		return nil, fmt.Errorf("compile blueprint schema: %w", err)
	}

	return &JSONSchemaValidator{
		blueprintSchema: bpSchema,
		cache:           make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded definition document (the raw YAML
// mapping, not the typed struct) against the blueprint JSON Schema. Raw
// documents are validated so unknown keys are caught before they silently
// disappear into struct decoding.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeDefinition, "definition document is empty")
	}

	jsonDoc, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "definition is not encodable").WithCause(err)
	}

	if err := v.blueprintSchema.Validate(jsonDoc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateTriggerData validates webhook/manual trigger payloads against a
// JSON Schema provided by the blueprint, when one is declared. The schema is
// compiled once and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateTriggerData(data map[string]any, triggerSchema []byte) error {
	if len(triggerSchema) == 0 {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}

	compiled, err := v.getOrCompile(triggerSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "invalid trigger schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger data is not encodable").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		engErr := toEngineError(err)
		engErr.Code = schema.ErrCodeValidation
		return engErr
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("blueprint://trigger-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with location-prefixed messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeDefinition, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeDefinition, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeDefinition, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("definition failed validation with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeDefinition, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
