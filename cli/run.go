package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/executor"
	"github.com/lightagent/lightagent/engine/planner"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/lightagent/lightagent/engine/workflow"
	"github.com/lightagent/lightagent/engine/workflow/store"
	"github.com/lightagent/lightagent/pkg/config"
	"github.com/lightagent/lightagent/pkg/logger"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan a goal and execute it as one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromContext(ctx)
			mode, _ := cmd.Flags().GetString("mode")
			plannerKind, _ := cmd.Flags().GetString("planner")
			planFile, _ := cmd.Flags().GetString("plan-file")
			stateDir, _ := cmd.Flags().GetString("state-dir")
			if mode != "" {
				if _, err := executor.ParseMode(mode); err != nil {
					return err
				}
				cfg.Engine.DefaultMode = mode
			}
			p, err := buildPlanner(plannerKind, planFile)
			if err != nil {
				return err
			}

			var opts []workflow.ManagerOption
			if stateDir != "" {
				fileStore, err := store.NewFile(afero.NewOsFs(), stateDir)
				if err != nil {
					return err
				}
				opts = append(opts, workflow.WithStore(fileStore))
			}
			m := workflow.NewManager(cfg.Manager, opts...)
			if err := m.RegisterStrategy("planning", planningFactory(p, cfg.Engine)); err != nil {
				return err
			}
			m.OnTaskCompleted(func(_ core.ID, t *task.Task) {
				logger.FromContext(ctx).Info("task settled", "task", t.Name, "status", t.Status)
			})

			inst, err := m.CreateWorkflow(ctx, "planning", args[0], nil)
			if err != nil {
				return err
			}
			result, err := m.StartWorkflow(ctx, inst.ID(), workflow.StartOptions{
				Block:   true,
				Timeout: cfg.Manager.DefaultTimeout,
			})
			if err != nil {
				return err
			}
			if result.TimedOut {
				return fmt.Errorf("workflow %s still %s after %s", inst.ID(), result.Status, cfg.Manager.DefaultTimeout)
			}
			return printWorkflow(cmd, inst)
		},
	}
	cmd.Flags().String("mode", "", "execution mode (sequential, parallel, adaptive)")
	cmd.Flags().String("planner", "hierarchical", "planner (simple, hierarchical)")
	cmd.Flags().String("plan-file", "", "YAML plan file, bypasses goal decomposition")
	cmd.Flags().String("state-dir", "", "directory to persist workflow snapshots")
	return cmd
}

func buildPlanner(kind, planFile string) (planner.Planner, error) {
	if planFile != "" {
		return planner.LoadStatic(afero.NewOsFs(), planFile)
	}
	return planner.New(kind)
}

// planningFactory builds planning strategies around the demo executor.
// Real deployments swap simulateTask for a model- or tool-backed
// ExecFunc.
func planningFactory(p planner.Planner, engineCfg config.EngineConfig) workflow.StrategyFactory {
	return func(_ context.Context, _ string, _ core.Input) (workflow.Strategy, error) {
		return workflow.NewPlanning(p, simulateTask, engineCfg)
	}
}

func simulateTask(ctx context.Context, t *task.Task, _ core.Input) (*core.Output, error) {
	logger.FromContext(ctx).Debug("executing task", "task", t.Name)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return &core.Output{"summary": fmt.Sprintf("completed: %s", t.Description)}, nil
}

func printWorkflow(cmd *cobra.Command, inst *workflow.Instance) error {
	snap, err := inst.Snapshot()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow %s (%s)\n", snap.ID, snap.Kind)
	fmt.Fprintf(out, "Goal:     %s\n", snap.Goal)
	fmt.Fprintf(out, "Status:   %s (%.0f%%)\n", snap.Status, snap.Progress)
	if snap.Error != nil {
		fmt.Fprintf(out, "Error:    %s\n", snap.Error.Message)
	}
	if len(snap.Tasks) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tRETRIES\tDEPENDS ON")
	byID := make(map[core.ID]string, len(snap.Tasks))
	for _, ts := range snap.Tasks {
		byID[ts.ID] = ts.Name
	}
	for _, ts := range snap.Tasks {
		deps := make([]string, 0, len(ts.Dependencies))
		for _, dep := range ts.Dependencies {
			deps = append(deps, byID[dep])
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ts.Name, ts.Status, ts.RetryCount, strings.Join(deps, ", "))
	}
	return w.Flush()
}
