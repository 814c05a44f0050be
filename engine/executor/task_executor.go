package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/lightagent/lightagent/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const (
	defaultMaxRetries     = 2
	defaultRetryBaseDelay = 100 * time.Millisecond
)

// TaskExecutor runs one task through the retry policy and records the
// resulting transition on the graph. It is stateless across tasks and
// safe for concurrent use.
type TaskExecutor struct {
	fn         ExecFunc
	maxRetries uint64
	baseDelay  time.Duration
}

type TaskExecutorOption func(*TaskExecutor)

// WithMaxRetries sets the number of re-attempts after the first failed
// execution.
func WithMaxRetries(n int) TaskExecutorOption {
	return func(e *TaskExecutor) {
		if n >= 0 {
			e.maxRetries = uint64(n)
		}
	}
}

// WithRetryBaseDelay sets the initial backoff between attempts; the
// delay doubles per retry.
func WithRetryBaseDelay(d time.Duration) TaskExecutorOption {
	return func(e *TaskExecutor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

func NewTaskExecutor(fn ExecFunc, opts ...TaskExecutorOption) (*TaskExecutor, error) {
	if fn == nil {
		return nil, fmt.Errorf("task executor requires an exec function")
	}
	e := &TaskExecutor{
		fn:         fn,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute marks the task RUNNING, runs the exec function under
// exponential backoff and records SUCCESS or FAILED on the graph. The
// task's RetryCount is bumped once per re-attempt. A task already in a
// terminal state is left untouched.
func (e *TaskExecutor) Execute(ctx context.Context, g *task.Graph, t *task.Task, input core.Input) Outcome {
	log := logger.FromContext(ctx)
	changed, err := g.MarkRunning(t.ID)
	if err != nil {
		return Outcome{Err: core.NewError(err, "UNKNOWN_TASK", nil)}
	}
	if !changed {
		return Outcome{Success: t.Status == core.StatusSuccess, Result: t.Result, Err: t.Error}
	}

	var result *core.Output
	attempts := 0
	backoff := retry.WithMaxRetries(e.maxRetries, retry.NewExponential(e.baseDelay))
	runErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			if err := g.IncrementRetry(t.ID); err != nil {
				return err
			}
			log.Debug("retrying task", "task", t.Name, "attempt", attempts)
		}
		out, err := e.fn(ctx, t, input)
		if err != nil {
			return retry.RetryableError(err)
		}
		result = out
		return nil
	})
	if runErr != nil {
		taskErr := core.NewError(runErr, "TASK_EXECUTION_FAILED", map[string]any{
			"task_id":  t.ID.String(),
			"attempts": attempts,
		})
		if _, err := g.MarkFailed(t.ID, taskErr); err != nil {
			log.Error("failed to record task failure", "task", t.Name, "error", err)
		}
		log.Warn("task failed", "task", t.Name, "attempts", attempts, "error", runErr)
		return Outcome{Err: taskErr, Attempts: attempts}
	}
	if _, err := g.MarkCompleted(t.ID, result); err != nil {
		log.Error("failed to record task completion", "task", t.Name, "error", err)
	}
	log.Debug("task completed", "task", t.Name, "attempts", attempts)
	return Outcome{Success: true, Result: result, Attempts: attempts}
}
