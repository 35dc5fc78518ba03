package registry

import (
	"sort"
	"sync"

	"github.com/loomworks/blueprint/pkg/schema"
)

// Summary is the listing view of a registered blueprint.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       int    `json:"steps"`
	TriggerType string `json:"trigger_type,omitempty"`
}

// Registry is the thread-safe in-memory catalog of loaded blueprints.
// Definitions are immutable once registered; re-registering an ID replaces
// the entry wholesale.
type Registry struct {
	mu         sync.RWMutex
	blueprints map[string]*schema.Blueprint
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		blueprints: make(map[string]*schema.Blueprint),
	}
}

// Register adds a blueprint, replacing any previous definition with the
// same ID.
func (r *Registry) Register(bp *schema.Blueprint) error {
	if bp == nil {
		return schema.NewError(schema.ErrCodeValidation, "blueprint is nil")
	}
	if bp.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "blueprint id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blueprints[bp.ID] = bp
	return nil
}

// Get retrieves a blueprint by ID.
func (r *Registry) Get(id string) (*schema.Blueprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bp, ok := r.blueprints[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "blueprint %q not registered", id)
	}
	return bp, nil
}

// List returns summaries for all registered blueprints, sorted by ID.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.blueprints))
	for _, bp := range r.blueprints {
		s := Summary{
			ID:          bp.ID,
			Name:        bp.Name,
			Description: bp.Description,
			Steps:       len(bp.Steps),
		}
		if bp.Trigger != nil {
			s.TriggerType = bp.Trigger.Type
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}

// Scheduled returns every blueprint with a schedule trigger.
func (r *Registry) Scheduled() []*schema.Blueprint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*schema.Blueprint
	for _, bp := range r.blueprints {
		if bp.Trigger != nil && bp.Trigger.Type == schema.TriggerSchedule {
			out = append(out, bp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Webhooks returns every blueprint with a webhook trigger.
func (r *Registry) Webhooks() []*schema.Blueprint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*schema.Blueprint
	for _, bp := range r.blueprints {
		if bp.Trigger != nil && bp.Trigger.Type == schema.TriggerWebhook {
			out = append(out, bp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a blueprint by ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blueprints, id)
}

// Has checks if a blueprint is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blueprints[id]
	return ok
}

// Count returns the number of registered blueprints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blueprints)
}
