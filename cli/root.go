// Package cli wires the orchestration engine into a cobra command
// tree. All orchestration logic lives in the engine packages; the CLI
// only parses flags, builds configuration and prints results.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/lightagent/lightagent/pkg/config"
	"github.com/lightagent/lightagent/pkg/logger"
	"github.com/spf13/cobra"
)

type ctxKey string

const configKey ctxKey = "config"

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lightagent",
		Short:         "Dependency-aware task orchestration for AI agents",
		Long:          "lightagent plans goals into task graphs and executes them with retry,\nconcurrency control and lifecycle management.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logJSON, _ := cmd.Flags().GetBool("log-json")
			cfg, err := config.Load(&config.Config{
				Log: config.LogConfig{Level: logLevel, JSON: logJSON},
			})
			if err != nil {
				return err
			}
			log := logger.NewLogger(&logger.Config{
				Level:  logger.LogLevel(cfg.Log.Level),
				JSON:   cfg.Log.JSON,
				Output: cmd.ErrOrStderr(),
			})
			ctx := logger.ContextWithLogger(cmd.Context(), log)
			ctx = context.WithValue(ctx, configKey, cfg)
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	root.AddCommand(newPlanCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newWorkflowsCmd())
	return root
}

func configFromContext(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}
