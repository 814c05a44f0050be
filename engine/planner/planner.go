package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/task"
)

// ErrInvalidPlan marks planner output that failed boundary validation.
// Workflow creation fails fast on it instead of building an
// inconsistent graph.
var ErrInvalidPlan = errors.New("invalid plan")

// Definition is the closed task record a planner produces. DependsOn
// holds indices into the same plan, so dependencies resolve without
// the planner knowing task IDs.
type Definition struct {
	Name        string            `json:"name"        yaml:"name"        validate:"required"`
	Description string            `json:"description" yaml:"description"`
	DependsOn   []int             `json:"depends_on"  yaml:"depends_on"`
	Priority    core.PriorityType `json:"priority"    yaml:"priority"`
}

// Planner decomposes a goal into an ordered list of task definitions.
// Implementations are pluggable strategies; the engine only sees this
// contract.
type Planner interface {
	Plan(ctx context.Context, goal string, input core.Input) ([]Definition, error)
	Refine(ctx context.Context, defs []Definition, feedback string) ([]Definition, error)
}

// New returns a goal-decomposing planner by kind. Planners that need
// extra inputs (static files, model clients) have dedicated
// constructors.
func New(kind string) (Planner, error) {
	switch kind {
	case "simple":
		return NewSimple(), nil
	case "hierarchical":
		return NewHierarchical(), nil
	}
	return nil, fmt.Errorf("unknown planner kind: %s", kind)
}

var validate = validator.New()

// ValidateDefinitions rejects duplicate names, dangling dependency
// indices and self-dependencies. Returns an error wrapping
// ErrInvalidPlan so callers can test with errors.Is.
func ValidateDefinitions(defs []Definition) error {
	if len(defs) == 0 {
		return fmt.Errorf("%w: plan is empty", ErrInvalidPlan)
	}
	names := make(map[string]bool, len(defs))
	for i := range defs {
		if err := validate.Struct(&defs[i]); err != nil {
			return fmt.Errorf("%w: definition %d: %v", ErrInvalidPlan, i, err)
		}
		if names[defs[i].Name] {
			return fmt.Errorf("%w: duplicate task name %q", ErrInvalidPlan, defs[i].Name)
		}
		names[defs[i].Name] = true
		for _, dep := range defs[i].DependsOn {
			if dep == i {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidPlan, defs[i].Name)
			}
			if dep < 0 || dep >= len(defs) {
				return fmt.Errorf(
					"%w: task %q references dependency index %d out of range",
					ErrInvalidPlan, defs[i].Name, dep,
				)
			}
		}
	}
	return nil
}

// BuildGraph validates the definitions and materializes them into a
// task graph with index-resolved dependencies.
func BuildGraph(defs []Definition, opts ...task.GraphOption) (*task.Graph, error) {
	if err := ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	g := task.NewGraph(opts...)
	tasks := make([]*task.Task, len(defs))
	for i := range defs {
		priority := defs[i].Priority
		if priority == "" {
			priority = core.PriorityMedium
		}
		tasks[i] = task.New(defs[i].Name, defs[i].Description, task.WithPriority(priority))
		if err := g.AddTask(tasks[i]); err != nil {
			return nil, err
		}
	}
	for i := range defs {
		for _, dep := range defs[i].DependsOn {
			if err := g.AddDependency(tasks[i].ID, tasks[dep].ID); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
			}
		}
	}
	return g, nil
}
