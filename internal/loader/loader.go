package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/blueprint/internal/validation"
	"github.com/loomworks/blueprint/pkg/schema"
)

// Loader turns YAML definition documents into validated blueprints. Step
// kinds are decided here, once, so the engine never has to re-derive what a
// step is from its shape.
type Loader struct {
	validator validation.Validator
	logger    *slog.Logger
}

// New creates a Loader. logger may be nil, in which case slog.Default is used.
func New(logger *slog.Logger) (*Loader, error) {
	v, err := validation.NewBlueprintValidator()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{validator: v, logger: logger}, nil
}

// Load parses and validates a single YAML definition document.
func (l *Loader) Load(data []byte) (*schema.Blueprint, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition is not valid YAML").WithCause(err)
	}
	if len(doc) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition document is empty")
	}

	var bp schema.Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition does not match the blueprint shape").WithCause(err)
	}

	if err := l.validator.Validate(doc, &bp).ToError(); err != nil {
		return nil, err
	}

	decideKinds(&bp)
	return &bp, nil
}

// LoadFile loads a blueprint from a single YAML file.
func (l *Loader) LoadFile(path string) (*schema.Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read %s", path).WithCause(err)
	}

	bp, err := l.Load(data)
	if err != nil {
		if engErr, ok := err.(*schema.EngineError); ok {
			return nil, engErr.WithDetails(map[string]any{"file": path})
		}
		return nil, err
	}
	return bp, nil
}

// LoadDir loads every *.yaml and *.yml file under dir, non-recursively.
// Invalid definitions are logged and skipped rather than failing the whole
// directory: one broken file must not take the service down.
func (l *Loader) LoadDir(dir string) ([]*schema.Blueprint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	blueprints := make([]*schema.Blueprint, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		bp, err := l.LoadFile(path)
		if err != nil {
			l.logger.Warn("skipping invalid blueprint definition",
				slog.String("file", path),
				slog.String("error", err.Error()))
			continue
		}
		l.logger.Info("loaded blueprint definition",
			slog.String("file", path),
			slog.String("blueprint_id", bp.ID),
			slog.Int("steps", len(bp.Steps)))
		blueprints = append(blueprints, bp)
	}
	return blueprints, nil
}

// decideKinds classifies every step exactly once. The validator has already
// rejected approval steps that loop, so the case order is not load-bearing.
func decideKinds(bp *schema.Blueprint) {
	for i := range bp.Steps {
		step := &bp.Steps[i]
		switch {
		case step.Agent == schema.AgentHumanApproval:
			step.Kind = schema.StepKindApproval
		case step.Loop != nil:
			step.Kind = schema.StepKindLoop
		default:
			step.Kind = schema.StepKindInvoke
		}
	}
}
