package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Template placeholders are delimited by double braces: {{ path.expression }}.
// Resolution is fail-soft: a placeholder whose path cannot be resolved is
// left verbatim in the output and surfaced as a Warning, so partially
// specified steps can still be inspected after the run.

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Warning records a placeholder that could not be resolved. Non-fatal.
type Warning struct {
	Expression string `json:"expression"`
	Reason     string `json:"reason"`
}

// Resolve substitutes every template placeholder in tmpl against the scope.
// Mappings and sequences are resolved recursively, preserving structure.
// Pure: the same (scope, template) pair always yields the same output, and
// neither argument is mutated.
//
// A string that is exactly one whole placeholder resolves type-preserving:
// the looked-up value is returned unconverted, so "{{ trigger_data.items }}"
// yields the list itself rather than its textual form. Placeholders embedded
// in surrounding text substitute their string form.
func Resolve(tmpl any, scope *Scope) (any, []Warning) {
	var warnings []Warning
	value := resolveValue(tmpl, scope, &warnings)
	return value, warnings
}

func resolveValue(tmpl any, scope *Scope, warnings *[]Warning) any {
	switch v := tmpl.(type) {
	case string:
		return resolveString(v, scope, warnings)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = resolveValue(val, scope, warnings)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = resolveValue(val, scope, warnings)
		}
		return out
	default:
		return v
	}
}

// segment is one piece of a parsed template string: either literal text or
// a placeholder path.
type segment struct {
	literal string
	path    string // non-empty when the segment is a placeholder
	raw     string // original placeholder text including delimiters
}

// parseTemplate scans a string into an ordered list of literal and
// placeholder segments. An unterminated open delimiter is treated as literal
// text; nothing in template scanning is ever fatal.
func parseTemplate(s string) []segment {
	var segs []segment
	for len(s) > 0 {
		open := strings.Index(s, openDelim)
		if open == -1 {
			segs = append(segs, segment{literal: s})
			break
		}
		end := strings.Index(s[open+len(openDelim):], closeDelim)
		if end == -1 {
			segs = append(segs, segment{literal: s})
			break
		}
		if open > 0 {
			segs = append(segs, segment{literal: s[:open]})
		}
		inner := s[open+len(openDelim) : open+len(openDelim)+end]
		raw := s[open : open+len(openDelim)+end+len(closeDelim)]
		segs = append(segs, segment{path: strings.TrimSpace(inner), raw: raw})
		s = s[open+len(openDelim)+end+len(closeDelim):]
	}
	return segs
}

func resolveString(s string, scope *Scope, warnings *[]Warning) any {
	segs := parseTemplate(s)

	// Fast path: no placeholders at all.
	hasPlaceholder := false
	for _, seg := range segs {
		if seg.path != "" {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		return s
	}

	// Whole-value template: exactly one segment, and it is a placeholder.
	if len(segs) == 1 && segs[0].path != "" {
		val, err := lookupPath(scope, segs[0].path)
		if err != nil {
			*warnings = append(*warnings, Warning{Expression: segs[0].path, Reason: err.Error()})
			return segs[0].raw
		}
		return val
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, seg := range segs {
		if seg.path == "" {
			b.WriteString(seg.literal)
			continue
		}
		val, err := lookupPath(scope, seg.path)
		if err != nil {
			*warnings = append(*warnings, Warning{Expression: seg.path, Reason: err.Error()})
			b.WriteString(seg.raw)
			continue
		}
		b.WriteString(stringify(val))
	}
	return b.String()
}

// lookupPath walks a dotted path through the scope namespaces.
func lookupPath(scope *Scope, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("empty placeholder")
	}

	parts := strings.Split(path, ".")
	namespace := parts[0]

	switch namespace {
	case "trigger_data":
		return traverse(scope.TriggerData, parts[1:], path)
	case "config":
		return traverse(scope.Config, parts[1:], path)
	case "date":
		if len(parts) > 1 {
			return nil, fmt.Errorf("date takes no sub-path in %q", path)
		}
		return scope.Date, nil
	case "steps":
		return lookupStep(scope, parts[1:], path)
	case "loop":
		return lookupLoop(scope, parts[1:], path)
	default:
		return nil, fmt.Errorf("unknown namespace %q; available: trigger_data, steps, config, loop, date", namespace)
	}
}

// lookupStep resolves steps.<name>.output[...], steps.<name>.status and
// steps.<name>.timestamp. A step that has not executed yet is absent from the
// scope by invariant, so the reference stays unresolved and is flagged.
func lookupStep(scope *Scope, rest []string, path string) (any, error) {
	if len(rest) < 2 {
		return nil, fmt.Errorf("invalid step reference %q: expected steps.<name>.output", path)
	}
	name := rest[0]
	entry, ok := scope.Steps[name]
	if !ok {
		return nil, fmt.Errorf("step %q has not executed in this run", name)
	}
	switch rest[1] {
	case "output":
		return traverse(entry.Output, rest[2:], path)
	case "status":
		if len(rest) > 2 {
			return nil, fmt.Errorf("status takes no sub-path in %q", path)
		}
		return entry.Status, nil
	case "timestamp":
		if len(rest) > 2 {
			return nil, fmt.Errorf("timestamp takes no sub-path in %q", path)
		}
		return entry.Timestamp.UTC().Format(time.RFC3339), nil
	default:
		return nil, fmt.Errorf("unknown step field %q in %q; available: output, status, timestamp", rest[1], path)
	}
}

func lookupLoop(scope *Scope, rest []string, path string) (any, error) {
	if scope.Loop == nil {
		return nil, fmt.Errorf("loop variable %q referenced outside of a loop iteration", path)
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("invalid loop reference %q: expected loop.item, loop.index or loop.total", path)
	}
	switch rest[0] {
	case "item":
		return traverse(scope.Loop.Item, rest[1:], path)
	case "index":
		return scope.Loop.Index, nil
	case "total":
		return scope.Loop.Total, nil
	default:
		return nil, fmt.Errorf("unknown loop field %q in %q; available: item, index, total", rest[0], path)
	}
}

// traverse navigates into nested maps and slices using the remaining path
// segments. Slice elements are addressed by numeric index.
func traverse(root any, segments []string, path string) (any, error) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("empty segment in %q", path)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("field %q not found in %q", seg, path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("cannot index sequence with %q in %q", seg, path)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("index %d out of range in %q", idx, path)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %q in %q", current, seg, path)
		}
	}
	return current, nil
}

// stringify converts a resolved value into its textual form for substitution
// into surrounding text. Complex values are JSON-encoded inline.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasPlaceholder reports whether a string contains any template placeholder.
func HasPlaceholder(s string) bool {
	open := strings.Index(s, openDelim)
	return open != -1 && strings.Contains(s[open:], closeDelim)
}
