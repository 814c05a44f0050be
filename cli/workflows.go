package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/planner"
	"github.com/lightagent/lightagent/engine/workflow"
	"github.com/spf13/cobra"
)

func newWorkflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows <goal> [goal...]",
		Short: "Run several goals concurrently under admission control",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromContext(ctx)
			maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
			if maxConcurrent > 0 {
				cfg.Manager.MaxConcurrentWorkflows = maxConcurrent
			}
			m := workflow.NewManager(cfg.Manager)
			if err := m.RegisterStrategy("planning", planningFactory(planner.NewHierarchical(), cfg.Engine)); err != nil {
				return err
			}

			ids := make([]core.ID, 0, len(args))
			for _, goal := range args {
				inst, err := m.CreateWorkflow(ctx, "planning", goal, nil)
				if err != nil {
					return err
				}
				ids = append(ids, inst.ID())
			}
			if err := m.StartWorkflows(ctx, ids); err != nil {
				return err
			}
			if err := m.WaitForAll(ctx, cfg.Manager.DefaultTimeout); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tGOAL\tSTATUS\tPROGRESS")
			for _, inst := range m.ListWorkflows(workflow.Filter{}) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\n", inst.ID(), inst.Goal(), inst.Status(), inst.Progress())
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("max-concurrent", 0, "override the concurrent workflow ceiling")
	return cmd
}
