package planner

import (
	"context"
	"fmt"

	"github.com/lightagent/lightagent/engine/core"
)

// Simple is a rule-based planner producing a single task for the whole
// goal. Used as the fallback when no model is wired in.
type Simple struct {
	DefaultPriority core.PriorityType
}

func NewSimple() *Simple {
	return &Simple{DefaultPriority: core.PriorityMedium}
}

func (p *Simple) Plan(_ context.Context, goal string, _ core.Input) ([]Definition, error) {
	return []Definition{{
		Name:        "Complete goal",
		Description: goal,
		Priority:    p.DefaultPriority,
	}}, nil
}

// Refine returns the plan unchanged; the simple planner has nothing to
// refine with.
func (p *Simple) Refine(_ context.Context, defs []Definition, _ string) ([]Definition, error) {
	return defs, nil
}

// Hierarchical is a rule-based planner that splits any goal into an
// analyze/execute/verify chain.
type Hierarchical struct{}

func NewHierarchical() *Hierarchical {
	return &Hierarchical{}
}

func (p *Hierarchical) Plan(_ context.Context, goal string, _ core.Input) ([]Definition, error) {
	return []Definition{
		{
			Name:        "Planning and Analysis",
			Description: fmt.Sprintf("Analyze requirements and plan approach for: %s", goal),
			Priority:    core.PriorityHigh,
		},
		{
			Name:        "Execution",
			Description: fmt.Sprintf("Execute the main task: %s", goal),
			DependsOn:   []int{0},
			Priority:    core.PriorityHigh,
		},
		{
			Name:        "Verification",
			Description: "Verify and validate results",
			DependsOn:   []int{1},
			Priority:    core.PriorityMedium,
		},
	}, nil
}

// Refine appends a feedback task depending on every existing task.
func (p *Hierarchical) Refine(_ context.Context, defs []Definition, feedback string) ([]Definition, error) {
	deps := make([]int, len(defs))
	for i := range defs {
		deps[i] = i
	}
	refined := append([]Definition{}, defs...)
	refined = append(refined, Definition{
		Name:        "Apply Refinements",
		Description: fmt.Sprintf("Address feedback: %s", feedback),
		DependsOn:   deps,
		Priority:    core.PriorityHigh,
	})
	return refined, nil
}
