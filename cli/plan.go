package cli

import (
	"fmt"

	"github.com/lightagent/lightagent/engine/planner"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Show the task plan and execution levels for a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plannerKind, _ := cmd.Flags().GetString("planner")
			planFile, _ := cmd.Flags().GetString("plan-file")
			p, err := buildPlanner(plannerKind, planFile)
			if err != nil {
				return err
			}
			defs, err := p.Plan(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			graph, err := planner.BuildGraph(defs)
			if err != nil {
				return err
			}
			levels, err := graph.ExecutionOrder()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan for: %s\n\n", args[0])
			for i, level := range levels {
				fmt.Fprintf(out, "Level %d:\n", i+1)
				for _, t := range level {
					fmt.Fprintf(out, "  - %s [%s]", t.Name, t.Priority)
					if t.Description != "" {
						fmt.Fprintf(out, ": %s", t.Description)
					}
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("planner", "hierarchical", "planner (simple, hierarchical)")
	cmd.Flags().String("plan-file", "", "YAML plan file, bypasses goal decomposition")
	return cmd
}
