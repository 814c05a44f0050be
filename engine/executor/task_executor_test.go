package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraphWithTask(t *testing.T) (*task.Graph, *task.Task) {
	t.Helper()
	g := task.NewGraph()
	tk := task.New("work", "do the work")
	require.NoError(t, g.AddTask(tk))
	return g, tk
}

func TestNewTaskExecutor(t *testing.T) {
	t.Run("Should reject a nil exec function", func(t *testing.T) {
		_, err := NewTaskExecutor(nil)
		assert.Error(t, err)
	})
}

func TestTaskExecutor_Execute(t *testing.T) {
	t.Run("Should complete a task on first attempt", func(t *testing.T) {
		g, tk := newGraphWithTask(t)
		exec, err := NewTaskExecutor(func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			return &core.Output{"answer": 42}, nil
		})
		require.NoError(t, err)
		outcome := exec.Execute(t.Context(), g, tk, nil)
		assert.True(t, outcome.Success)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Equal(t, core.StatusSuccess, tk.Status)
		require.NotNil(t, tk.Result)
		assert.Equal(t, 42, (*tk.Result)["answer"])
		assert.Equal(t, 0, tk.RetryCount)
	})
	t.Run("Should retry and succeed within the budget", func(t *testing.T) {
		g, tk := newGraphWithTask(t)
		calls := 0
		exec, err := NewTaskExecutor(func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return &core.Output{}, nil
		}, WithMaxRetries(2), WithRetryBaseDelay(time.Millisecond))
		require.NoError(t, err)
		outcome := exec.Execute(t.Context(), g, tk, nil)
		assert.True(t, outcome.Success)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, 2, tk.RetryCount)
		assert.Equal(t, core.StatusSuccess, tk.Status)
	})
	t.Run("Should fail permanently once retries are exhausted", func(t *testing.T) {
		g, tk := newGraphWithTask(t)
		calls := 0
		exec, err := NewTaskExecutor(func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			calls++
			return nil, errors.New("broken")
		}, WithMaxRetries(2), WithRetryBaseDelay(time.Millisecond))
		require.NoError(t, err)
		outcome := exec.Execute(t.Context(), g, tk, nil)
		assert.False(t, outcome.Success)
		assert.Equal(t, 3, calls)
		assert.Equal(t, core.StatusFailed, tk.Status)
		require.NotNil(t, tk.Error)
		assert.Contains(t, tk.Error.Message, "broken")
		assert.Equal(t, "TASK_EXECUTION_FAILED", tk.Error.Code)
	})
	t.Run("Should not retry with a zero budget", func(t *testing.T) {
		g, tk := newGraphWithTask(t)
		calls := 0
		exec, err := NewTaskExecutor(func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			calls++
			return nil, errors.New("broken")
		}, WithMaxRetries(0), WithRetryBaseDelay(time.Millisecond))
		require.NoError(t, err)
		outcome := exec.Execute(t.Context(), g, tk, nil)
		assert.False(t, outcome.Success)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, tk.RetryCount)
	})
	t.Run("Should leave a terminal task untouched", func(t *testing.T) {
		g, tk := newGraphWithTask(t)
		_, err := g.MarkCompleted(tk.ID, &core.Output{"kept": true})
		require.NoError(t, err)
		calls := 0
		exec, err := NewTaskExecutor(func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			calls++
			return nil, nil
		})
		require.NoError(t, err)
		outcome := exec.Execute(t.Context(), g, tk, nil)
		assert.True(t, outcome.Success)
		assert.Equal(t, 0, calls)
		assert.Equal(t, true, (*tk.Result)["kept"])
	})
	t.Run("Should pass the shared input through", func(t *testing.T) {
		g, tk := newGraphWithTask(t)
		var seen core.Input
		exec, err := NewTaskExecutor(func(_ context.Context, _ *task.Task, input core.Input) (*core.Output, error) {
			seen = input
			return &core.Output{}, nil
		})
		require.NoError(t, err)
		exec.Execute(t.Context(), g, tk, core.Input{"goal": "test"})
		assert.Equal(t, "test", seen["goal"])
	})
}
