package config

import (
	"time"
)

// Config holds the tunables for the orchestration engine. Values are
// resolved in order: struct defaults, then LIGHTAGENT_* environment
// variables, then programmatic overrides.
type Config struct {
	Engine  EngineConfig  `koanf:"engine"  validate:"required"`
	Manager ManagerConfig `koanf:"manager" validate:"required"`
	Log     LogConfig     `koanf:"log"`
}

// EngineConfig controls single-workflow execution.
type EngineConfig struct {
	// MaxRetries is the number of re-attempts after a task's first
	// failed execution.
	MaxRetries int `koanf:"max_retries" validate:"min=0"`
	// MaxParallelTasks bounds concurrency inside one workflow.
	MaxParallelTasks int `koanf:"max_parallel_tasks" validate:"min=1"`
	// MaxRefinements bounds plan refinement rounds after a failed run.
	// Independent of MaxRetries.
	MaxRefinements int `koanf:"max_refinements" validate:"min=0"`
	// DefaultMode is the execution mode used when the caller does not
	// pick one: sequential, parallel or adaptive.
	DefaultMode string `koanf:"default_mode" validate:"oneof=sequential parallel adaptive"`
	// StopOnFailure aborts a sequential run at the first permanently
	// failed task.
	StopOnFailure bool `koanf:"stop_on_failure"`
	// RetryBaseDelay is the initial backoff between task retries.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
}

// ManagerConfig controls the cross-workflow manager.
type ManagerConfig struct {
	// MaxConcurrentWorkflows caps simultaneously running instances.
	MaxConcurrentWorkflows int `koanf:"max_concurrent_workflows" validate:"min=1"`
	// DefaultTimeout bounds blocking starts and completion waits.
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	// CleanupAge is the minimum age before terminal workflows are
	// eligible for CleanupCompleted.
	CleanupAge time.Duration `koanf:"cleanup_age"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// Default returns the built-in configuration: two retries, three
// parallel tasks per workflow, ten concurrent workflows, five minute
// timeout.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetries:       2,
			MaxParallelTasks: 3,
			MaxRefinements:   1,
			DefaultMode:      "sequential",
			StopOnFailure:    true,
			RetryBaseDelay:   100 * time.Millisecond,
		},
		Manager: ManagerConfig{
			MaxConcurrentWorkflows: 10,
			DefaultTimeout:         5 * time.Minute,
			CleanupAge:             time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}
