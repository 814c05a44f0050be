package planner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/pkg/logger"
)

// ModelClient is the narrow boundary to a language model. Provider
// adapters live outside this engine; the planner only needs a prompt
// in and text out.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const planPrompt = `You are an expert task planner. Break down the following goal into clear, actionable steps.

Goal: %s
%s
Provide a step-by-step plan. For each step, include:
1. Step number
2. Step name (short and clear)
3. Detailed description
4. Dependencies (which previous steps must be completed first)
5. Priority (low/medium/high/critical)

Format as a numbered list with clear structure.`

const refinePrompt = `You are refining a task plan based on feedback.

Current Plan:
%s

Feedback:
%s

Please provide the refined plan following the same format.`

// Model plans by prompting a language model and parsing its
// numbered-list answer into task definitions.
type Model struct {
	client ModelClient
}

func NewModel(client ModelClient) (*Model, error) {
	if client == nil {
		return nil, fmt.Errorf("model planner requires a client")
	}
	return &Model{client: client}, nil
}

func (p *Model) Plan(ctx context.Context, goal string, input core.Input) ([]Definition, error) {
	contextBlock := ""
	if len(input) > 0 {
		var sb strings.Builder
		sb.WriteString("\nContext:\n")
		for k, v := range input {
			fmt.Fprintf(&sb, "- %s: %v\n", k, v)
		}
		contextBlock = sb.String()
	}
	response, err := p.client.Generate(ctx, fmt.Sprintf(planPrompt, goal, contextBlock))
	if err != nil {
		return nil, fmt.Errorf("model planning failed: %w", err)
	}
	defs := parsePlanText(response)
	if len(defs) == 0 {
		logger.FromContext(ctx).Warn("model returned no parseable steps, planning single task", "goal", goal)
		defs = []Definition{{Name: "Execute goal", Description: goal, Priority: core.PriorityMedium}}
	}
	return defs, nil
}

func (p *Model) Refine(ctx context.Context, defs []Definition, feedback string) ([]Definition, error) {
	response, err := p.client.Generate(ctx, fmt.Sprintf(refinePrompt, formatPlan(defs), feedback))
	if err != nil {
		return nil, fmt.Errorf("model refinement failed: %w", err)
	}
	refined := parsePlanText(response)
	if len(refined) == 0 {
		return defs, nil
	}
	return refined, nil
}

var stepLine = regexp.MustCompile(`^(?:Step\s+)?(\d+)[.:)]\s*(.+)$`)

// parsePlanText converts a model's numbered-list plan into definitions.
// Plain lines after a step header extend its description; "- priority:"
// and "- depends" bullets set metadata. Dependency references are
// 1-based step numbers in the text and 0-based indices in the result.
func parsePlanText(text string) []Definition {
	var defs []Definition
	var current *Definition
	flush := func() {
		if current != nil {
			defs = append(defs, *current)
			current = nil
		}
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m := stepLine.FindStringSubmatch(line); m != nil {
			flush()
			current = &Definition{Name: strings.TrimSpace(m[2]), Priority: core.PriorityMedium}
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
			bullet := strings.ToLower(strings.TrimLeft(line, "-* "))
			switch {
			case strings.HasPrefix(bullet, "priority"):
				current.Priority = core.ParsePriority(valueAfterColon(bullet))
			case strings.HasPrefix(bullet, "depend"):
				current.DependsOn = parseStepRefs(valueAfterColon(bullet), len(defs))
			}
			continue
		}
		if current.Description == "" {
			current.Description = line
		} else {
			current.Description += " " + line
		}
	}
	flush()
	return defs
}

func valueAfterColon(s string) string {
	if i := strings.Index(s, ":"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

var numberRef = regexp.MustCompile(`\d+`)

// parseStepRefs extracts step numbers and converts them to 0-based
// indices, dropping references at or past the current step.
func parseStepRefs(s string, currentIndex int) []int {
	var deps []int
	for _, m := range numberRef.FindAllString(s, -1) {
		n, err := strconv.Atoi(m)
		if err != nil || n < 1 || n-1 >= currentIndex {
			continue
		}
		deps = append(deps, n-1)
	}
	return deps
}

func formatPlan(defs []Definition) string {
	var sb strings.Builder
	for i, d := range defs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, d.Name)
		if d.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", d.Description)
		}
		fmt.Fprintf(&sb, "   - Priority: %s\n", d.Priority)
		if len(d.DependsOn) > 0 {
			refs := make([]string, len(d.DependsOn))
			for j, dep := range d.DependsOn {
				refs[j] = strconv.Itoa(dep + 1)
			}
			fmt.Fprintf(&sb, "   - Dependencies: %s\n", strings.Join(refs, ", "))
		}
	}
	return sb.String()
}
