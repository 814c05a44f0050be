package planner

import (
	"context"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/lightagent/lightagent/engine/core"
	"github.com/spf13/afero"
)

// Static serves a fixed plan loaded from a YAML file. Useful for
// reproducible pipelines that do not need goal decomposition.
type Static struct {
	defs []Definition
}

type staticPlanFile struct {
	Tasks []Definition `yaml:"tasks"`
}

// LoadStatic reads and validates a plan file of the form:
//
//	tasks:
//	  - name: fetch
//	    description: fetch the inputs
//	  - name: process
//	    depends_on: [0]
//	    priority: high
func LoadStatic(fs afero.Fs, path string) (*Static, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}
	var file staticPlanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plan file %s: %v", ErrInvalidPlan, path, err)
	}
	if err := ValidateDefinitions(file.Tasks); err != nil {
		return nil, err
	}
	return &Static{defs: file.Tasks}, nil
}

func (p *Static) Plan(_ context.Context, _ string, _ core.Input) ([]Definition, error) {
	return append([]Definition{}, p.defs...), nil
}

// Refine returns the plan unchanged; static plans are fixed by
// definition.
func (p *Static) Refine(_ context.Context, defs []Definition, _ string) ([]Definition, error) {
	return defs, nil
}
