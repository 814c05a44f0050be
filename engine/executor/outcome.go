package executor

import (
	"context"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/task"
)

// ExecFunc is the boundary to whatever actually performs a task: a
// model call, a tool invocation, a human. The scheduler never inspects
// what it does, only whether it returned an error.
type ExecFunc func(ctx context.Context, t *task.Task, input core.Input) (*core.Output, error)

// Outcome is the result of executing a single task through the retry
// policy. Task failures are carried as values here, not as Go errors:
// a failed task is a normal scheduling outcome, not an execution fault.
type Outcome struct {
	Success  bool         `json:"success"`
	Result   *core.Output `json:"result,omitempty"`
	Err      *core.Error  `json:"error,omitempty"`
	Attempts int          `json:"attempts"`
}
