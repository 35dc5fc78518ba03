package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loomworks/blueprint/internal/engine"
	"github.com/loomworks/blueprint/internal/registry"
	"github.com/loomworks/blueprint/pkg/schema"
)

// Runner is the interface the router uses to start blueprint runs.
// Satisfied by *engine.Controller.
type Runner interface {
	Execute(ctx context.Context, blueprintID string, triggerData map[string]any) (*engine.RunSummary, error)
}

// PayloadValidator checks an inbound payload against a blueprint's
// declared trigger schema. Satisfied by validation.BlueprintValidator.
type PayloadValidator interface {
	ValidateTriggerData(data map[string]any, triggerSchema []byte) error
}

// payloadSchemaKey is the trigger field holding an optional JSON Schema
// for the webhook payload.
const payloadSchemaKey = "payload_schema"

// Router maps inbound events to webhook-triggered blueprints and starts
// the matching run. It is a pure routing component: the HTTP layer that
// receives the webhook lives outside this module.
type Router struct {
	registry  *registry.Registry
	runner    Runner
	validator PayloadValidator
	logger    *slog.Logger
}

// NewRouter creates a webhook router. validator may be nil, in which
// case payload schemas are not enforced.
func NewRouter(reg *registry.Registry, runner Runner, validator PayloadValidator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  reg,
		runner:    runner,
		validator: validator,
		logger:    logger,
	}
}

// Match finds the blueprint for an inbound event. Exact event-name
// matches win; otherwise the trigger source is inferred by substring
// against the event and source names. No match is NOT_FOUND.
func (r *Router) Match(event, source string) (*schema.Blueprint, error) {
	candidates := r.registry.Webhooks()

	for _, bp := range candidates {
		if bp.Trigger.Event != "" && bp.Trigger.Event == event {
			return bp, nil
		}
	}

	for _, bp := range candidates {
		src := bp.Trigger.Source
		if src == "" {
			continue
		}
		if strings.Contains(event, src) || strings.Contains(source, src) {
			return bp, nil
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"no blueprint registered for event %q from source %q", event, source)
}

// Dispatch routes an inbound event to its blueprint and starts the run.
// The payload becomes the run's trigger data, enriched with the event
// and source names.
func (r *Router) Dispatch(ctx context.Context, event, source string, payload map[string]any) (*engine.RunSummary, error) {
	bp, err := r.Match(event, source)
	if err != nil {
		return nil, err
	}

	if err := r.validatePayload(bp, payload); err != nil {
		return nil, err
	}

	triggerData := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		triggerData[k] = v
	}
	triggerData["event"] = event
	if source != "" {
		triggerData["source"] = source
	}
	triggerData["received_at"] = time.Now().UTC().Format(time.RFC3339)

	r.logger.Info("webhook routed",
		slog.String("event", event),
		slog.String("source", source),
		slog.String("blueprint_id", bp.ID))

	return r.runner.Execute(ctx, bp.ID, triggerData)
}

// validatePayload enforces the blueprint's optional payload schema.
func (r *Router) validatePayload(bp *schema.Blueprint, payload map[string]any) error {
	if r.validator == nil || bp.Trigger == nil {
		return nil
	}
	declared, ok := bp.Trigger.Extra[payloadSchemaKey]
	if !ok {
		return nil
	}
	schemaBytes, err := json.Marshal(declared)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"blueprint %q: encode payload schema: %s", bp.ID, err).WithCause(err)
	}
	return r.validator.ValidateTriggerData(payload, schemaBytes)
}
