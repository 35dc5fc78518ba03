package expressions

import (
	"encoding/json"
	"time"
)

// Scope holds all data a template can address during one run. It is always
// passed explicitly; the engine never stores it as shared instance state, so
// concurrent runs cannot interfere.
type Scope struct {
	TriggerData map[string]any       // input supplied by whatever started the run
	Steps       map[string]StepEntry // step name -> completed step entry, one per executed step
	Config      map[string]any       // blueprint-level constants, fixed for the run
	Loop        *LoopScope           // present only inside a loop iteration
	Date        string               // run-start date (YYYY-MM-DD)
}

// StepEntry is the context record written for every step that has completed
// in the current run, successfully or not.
type StepEntry struct {
	Output    any        `json:"output"`
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// LoopScope holds the scoped variables for a single loop iteration.
type LoopScope struct {
	Item  any // current element value
	Index int // current iteration index (0-based)
	Total int // total number of elements
}

// WithLoop returns a copy of the scope with loop variables set. The receiver
// is not modified, so loop scope never leaks into sibling steps.
func (s *Scope) WithLoop(item any, index, total int) *Scope {
	cp := *s
	cp.Loop = &LoopScope{Item: deepCopyAny(item), Index: index, Total: total}
	return &cp
}

// AsMap renders the scope as a plain namespace map, used as the environment
// for condition expression engines.
func (s *Scope) AsMap() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for name, entry := range s.Steps {
		steps[name] = map[string]any{
			"output":    entry.Output,
			"status":    entry.Status,
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339),
		}
	}

	data := map[string]any{
		"trigger_data": s.TriggerData,
		"steps":        steps,
		"config":       s.Config,
		"date":         s.Date,
	}
	if s.Loop != nil {
		data["loop"] = map[string]any{
			"item":  s.Loop.Item,
			"index": s.Loop.Index,
			"total": s.Loop.Total,
		}
	}
	return data
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
