package executor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/planner"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTaskExecutor(t *testing.T, fn ExecFunc, opts ...TaskExecutorOption) *TaskExecutor {
	t.Helper()
	opts = append([]TaskExecutorOption{WithRetryBaseDelay(time.Millisecond)}, opts...)
	exec, err := NewTaskExecutor(fn, opts...)
	require.NoError(t, err)
	return exec
}

func okFunc(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
	return &core.Output{}, nil
}

// addChain adds named tasks where each depends on the previous one.
func addChain(t *testing.T, g *task.Graph, names ...string) []*task.Task {
	t.Helper()
	tasks := make([]*task.Task, len(names))
	for i, name := range names {
		tasks[i] = task.New(name, name)
		require.NoError(t, g.AddTask(tasks[i]))
		if i > 0 {
			require.NoError(t, g.AddDependency(tasks[i].ID, tasks[i-1].ID))
		}
	}
	return tasks
}

func TestParseMode(t *testing.T) {
	t.Run("Should parse all known modes", func(t *testing.T) {
		for _, s := range []string{"sequential", "parallel", "adaptive", "Parallel"} {
			_, err := ParseMode(s)
			assert.NoError(t, err)
		}
	})
	t.Run("Should reject unknown modes", func(t *testing.T) {
		_, err := ParseMode("turbo")
		assert.Error(t, err)
	})
}

func TestWorkflowExecutor_Sequential(t *testing.T) {
	t.Run("Should execute a chain in dependency order", func(t *testing.T) {
		g := task.NewGraph()
		addChain(t, g, "a", "b", "c")
		var mu sync.Mutex
		var order []string
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			mu.Lock()
			order = append(order, tk.Name)
			mu.Unlock()
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec)
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, order)
		assert.Equal(t, 3, report.Completed)
		assert.True(t, report.Success())
		assert.InDelta(t, 100.0, report.Percent, 0.01)
	})
	t.Run("Should stop at the first failure and never run later tasks", func(t *testing.T) {
		g := task.NewGraph()
		a := task.New("a", "a")
		b := task.New("b", "b")
		c := task.New("c", "c")
		for _, tk := range []*task.Task{a, b, c} {
			require.NoError(t, g.AddTask(tk))
		}
		var executed []string
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			executed = append(executed, tk.Name)
			if tk.Name == "b" {
				return nil, errors.New("boom")
			}
			return &core.Output{}, nil
		}, WithMaxRetries(0))
		we, err := NewWorkflowExecutor(g, exec)
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, executed)
		assert.Equal(t, core.StatusPending, c.Status)
		assert.Equal(t, 1, report.Failed)
		assert.Len(t, report.Errors, 1)
	})
	t.Run("Should continue past failures when stop on failure is off", func(t *testing.T) {
		g := task.NewGraph()
		a := task.New("a", "a")
		b := task.New("b", "b")
		require.NoError(t, g.AddTask(a))
		require.NoError(t, g.AddTask(b))
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			if tk.Name == "a" {
				return nil, errors.New("boom")
			}
			return &core.Output{}, nil
		}, WithMaxRetries(0))
		we, err := NewWorkflowExecutor(g, exec, WithStopOnFailure(false))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, a.Status)
		assert.Equal(t, core.StatusSuccess, b.Status)
		assert.Equal(t, 1, report.Completed)
		assert.Equal(t, 1, report.Failed)
	})
	t.Run("Should skip everything downstream of a failed task", func(t *testing.T) {
		g := task.NewGraph()
		tasks := addChain(t, g, "a", "b", "c")
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			if tk.Name == "a" {
				return nil, errors.New("boom")
			}
			return &core.Output{}, nil
		}, WithMaxRetries(0))
		we, err := NewWorkflowExecutor(g, exec, WithStopOnFailure(false))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, core.StatusSkipped, tasks[1].Status)
		assert.Equal(t, core.StatusSkipped, tasks[2].Status)
		assert.Equal(t, 2, report.Skipped)
	})
}

func TestWorkflowExecutor_Parallel(t *testing.T) {
	t.Run("Should overlap independent tasks within a level", func(t *testing.T) {
		g := task.NewGraph()
		a := task.New("a", "a")
		b := task.New("b", "b")
		c := task.New("c", "c")
		d := task.New("d", "d")
		for _, tk := range []*task.Task{a, b, c, d} {
			require.NoError(t, g.AddTask(tk))
		}
		require.NoError(t, g.AddDependency(b.ID, a.ID))
		require.NoError(t, g.AddDependency(c.ID, a.ID))
		require.NoError(t, g.AddDependency(d.ID, b.ID))
		require.NoError(t, g.AddDependency(d.ID, c.ID))

		var running, peak atomic.Int32
		exec := mustTaskExecutor(t, func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeParallel))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 4, report.Completed)
		assert.GreaterOrEqual(t, peak.Load(), int32(2), "b and c should have overlapped")
	})
	t.Run("Should bound concurrency by the parallelism budget", func(t *testing.T) {
		g := task.NewGraph()
		for _, name := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, g.AddTask(task.New(name, name)))
		}
		var running, peak atomic.Int32
		exec := mustTaskExecutor(t, func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeParallel), WithMaxParallel(2))
		require.NoError(t, err)
		_, err = we.Run(t.Context())
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})
}

func TestWorkflowExecutor_Adaptive(t *testing.T) {
	t.Run("Should dispatch a task as soon as its dependency finishes", func(t *testing.T) {
		// fast -> dependent, with an unrelated slow sibling: the dependent
		// must not wait for the slow task's level to drain.
		g := task.NewGraph()
		fast := task.New("fast", "fast")
		slow := task.New("slow", "slow")
		dependent := task.New("dependent", "dependent")
		for _, tk := range []*task.Task{fast, slow, dependent} {
			require.NoError(t, g.AddTask(tk))
		}
		require.NoError(t, g.AddDependency(dependent.ID, fast.ID))

		var mu sync.Mutex
		ends := make(map[string]time.Time)
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			if tk.Name == "slow" {
				time.Sleep(80 * time.Millisecond)
			} else {
				time.Sleep(5 * time.Millisecond)
			}
			mu.Lock()
			ends[tk.Name] = time.Now()
			mu.Unlock()
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeAdaptive))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 3, report.Completed)
		assert.True(t, ends["dependent"].Before(ends["slow"]),
			"dependent should finish before the unrelated slow task")
	})
	t.Run("Should never start a task before its dependencies complete", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		g := task.NewGraph()
		const n = 12
		tasks := make([]*task.Task, n)
		deps := make(map[int][]int)
		for i := range n {
			tasks[i] = task.New(string(rune('a'+i)), "")
			require.NoError(t, g.AddTask(tasks[i]))
			for range rng.Intn(3) {
				if i == 0 {
					break
				}
				dep := rng.Intn(i)
				require.NoError(t, g.AddDependency(tasks[i].ID, tasks[dep].ID))
				deps[i] = append(deps[i], dep)
			}
		}

		var mu sync.Mutex
		starts := make(map[core.ID]time.Time)
		ends := make(map[core.ID]time.Time)
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			mu.Lock()
			starts[tk.ID] = time.Now()
			delay := time.Duration(rng.Intn(8)+1) * time.Millisecond
			mu.Unlock()
			time.Sleep(delay)
			mu.Lock()
			ends[tk.ID] = time.Now()
			mu.Unlock()
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeAdaptive), WithMaxParallel(4))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		require.Equal(t, n, report.Completed)
		for i, depIdxs := range deps {
			for _, dep := range depIdxs {
				assert.False(t, starts[tasks[i].ID].Before(ends[tasks[dep].ID]),
					"task %d started before dependency %d finished", i, dep)
			}
		}
	})
}

func TestWorkflowExecutor_PauseResume(t *testing.T) {
	t.Run("Should drain in-flight tasks and hold new dispatches", func(t *testing.T) {
		g := task.NewGraph()
		for _, name := range []string{"a", "b", "c", "d"} {
			require.NoError(t, g.AddTask(task.New(name, name)))
		}
		var started atomic.Int32
		tokens := make(chan struct{}, 4)
		exec := mustTaskExecutor(t, func(ctx context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			started.Add(1)
			select {
			case <-tokens:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeAdaptive), WithMaxParallel(3))
		require.NoError(t, err)

		runDone := make(chan *Report, 1)
		go func() {
			report, _ := we.Run(context.Background())
			runDone <- report
		}()

		require.Eventually(t, func() bool { return started.Load() == 3 },
			time.Second, time.Millisecond, "three tasks should be in flight")

		drained := we.Pause()
		for range 3 {
			tokens <- struct{}{}
		}
		select {
		case <-drained:
		case <-time.After(time.Second):
			t.Fatal("pause did not drain in-flight tasks")
		}
		assert.Equal(t, int32(3), started.Load(), "no new task may start while paused")

		we.Resume()
		tokens <- struct{}{}
		select {
		case report := <-runDone:
			assert.Equal(t, 4, report.Completed)
			assert.Equal(t, int32(4), started.Load())
		case <-time.After(time.Second):
			t.Fatal("run did not finish after resume")
		}
	})
	t.Run("Should return a closed channel when nothing is in flight", func(t *testing.T) {
		g := task.NewGraph()
		require.NoError(t, g.AddTask(task.New("a", "a")))
		we, err := NewWorkflowExecutor(g, mustTaskExecutor(t, okFunc))
		require.NoError(t, err)
		select {
		case <-we.Pause():
		default:
			t.Fatal("expected drained channel to be closed immediately")
		}
	})
}

func TestWorkflowExecutor_Cancel(t *testing.T) {
	t.Run("Should drain in-flight work and cancel the rest", func(t *testing.T) {
		g := task.NewGraph()
		a := task.New("a", "a")
		b := task.New("b", "b")
		require.NoError(t, g.AddTask(a))
		require.NoError(t, g.AddTask(b))
		require.NoError(t, g.AddDependency(b.ID, a.ID))

		started := make(chan struct{})
		release := make(chan struct{})
		exec := mustTaskExecutor(t, func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			close(started)
			<-release
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeAdaptive))
		require.NoError(t, err)

		runDone := make(chan *Report, 1)
		go func() {
			report, _ := we.Run(context.Background())
			runDone <- report
		}()
		<-started
		we.Cancel()
		close(release)

		select {
		case report := <-runDone:
			assert.Equal(t, core.StatusSuccess, a.Status, "in-flight task drains to completion")
			assert.Equal(t, core.StatusCanceled, b.Status)
			assert.Equal(t, 1, report.Canceled)
		case <-time.After(time.Second):
			t.Fatal("run did not finish after cancel")
		}
	})
	t.Run("Should drain in-flight work after context cancellation", func(t *testing.T) {
		g := task.NewGraph()
		a := task.New("a", "a")
		b := task.New("b", "b")
		require.NoError(t, g.AddTask(a))
		require.NoError(t, g.AddTask(b))
		require.NoError(t, g.AddDependency(b.ID, a.ID))

		started := make(chan struct{})
		release := make(chan struct{})
		exec := mustTaskExecutor(t, func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			close(started)
			<-release
			return &core.Output{}, nil
		})
		we, err := NewWorkflowExecutor(g, exec, WithMode(ModeAdaptive))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runErr := make(chan error, 1)
		go func() {
			_, err := we.Run(ctx)
			runErr <- err
		}()
		<-started
		cancel()
		close(release)

		select {
		case err := <-runErr:
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, core.StatusSuccess, a.Status, "in-flight task drains to completion")
			assert.Equal(t, core.StatusPending, b.Status, "never dispatched after cancellation")
		case <-time.After(time.Second):
			t.Fatal("run did not finish after context cancellation")
		}
	})
}

// refinerStub replaces failed tasks with a fixed follow-up plan.
type refinerStub struct {
	refined  []planner.Definition
	feedback string
	calls    int
}

func (r *refinerStub) Plan(_ context.Context, _ string, _ core.Input) ([]planner.Definition, error) {
	return nil, errors.New("not used")
}

func (r *refinerStub) Refine(_ context.Context, _ []planner.Definition, feedback string) ([]planner.Definition, error) {
	r.calls++
	r.feedback = feedback
	return r.refined, nil
}

func TestWorkflowExecutor_AutoRefine(t *testing.T) {
	t.Run("Should re-plan failed work and run the refined tasks", func(t *testing.T) {
		g := task.NewGraph()
		require.NoError(t, g.AddTask(task.New("original", "first try")))
		stub := &refinerStub{refined: []planner.Definition{{Name: "fixed", Description: "second try"}}}
		exec := mustTaskExecutor(t, func(_ context.Context, tk *task.Task, _ core.Input) (*core.Output, error) {
			if tk.Name == "original" {
				return nil, errors.New("needs rework")
			}
			return &core.Output{}, nil
		}, WithMaxRetries(0))
		we, err := NewWorkflowExecutor(g, exec, WithAutoRefine(stub, 1))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, stub.calls)
		assert.Contains(t, stub.feedback, "needs rework")
		assert.Equal(t, 1, report.Refinements)
		assert.Equal(t, 2, report.Total)
		assert.Equal(t, 1, report.Completed)
		assert.Equal(t, 1, report.Failed)
	})
	t.Run("Should bound refinement rounds", func(t *testing.T) {
		g := task.NewGraph()
		require.NoError(t, g.AddTask(task.New("always-broken", "")))
		stub := &refinerStub{refined: []planner.Definition{{Name: "still-broken"}}}
		exec := mustTaskExecutor(t, func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			return nil, errors.New("boom")
		}, WithMaxRetries(0))
		we, err := NewWorkflowExecutor(g, exec, WithAutoRefine(stub, 2), WithStopOnFailure(false))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 2, stub.calls)
		assert.Equal(t, 2, report.Refinements)
		assert.Equal(t, 3, report.Total)
	})
	t.Run("Should not refine a fully successful run", func(t *testing.T) {
		g := task.NewGraph()
		require.NoError(t, g.AddTask(task.New("fine", "")))
		stub := &refinerStub{refined: []planner.Definition{{Name: "unwanted"}}}
		we, err := NewWorkflowExecutor(g, mustTaskExecutor(t, okFunc), WithAutoRefine(stub, 1))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 0, stub.calls)
		assert.Equal(t, 0, report.Refinements)
	})
}

func TestWorkflowExecutor_Callbacks(t *testing.T) {
	t.Run("Should report terminal transitions including skips", func(t *testing.T) {
		g := task.NewGraph()
		addChain(t, g, "a", "b")
		exec := mustTaskExecutor(t, func(_ context.Context, _ *task.Task, _ core.Input) (*core.Output, error) {
			return nil, errors.New("boom")
		}, WithMaxRetries(0))
		var mu sync.Mutex
		seen := make(map[string]core.StatusType)
		we, err := NewWorkflowExecutor(g, exec, WithOnTaskCompleted(func(tk *task.Task) {
			mu.Lock()
			seen[tk.Name] = tk.Status
			mu.Unlock()
		}))
		require.NoError(t, err)
		_, err = we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, seen["a"])
		assert.Equal(t, core.StatusSkipped, seen["b"])
	})
	t.Run("Should recover a panicking hook", func(t *testing.T) {
		g := task.NewGraph()
		require.NoError(t, g.AddTask(task.New("a", "")))
		we, err := NewWorkflowExecutor(g, mustTaskExecutor(t, okFunc), WithOnTaskCompleted(func(*task.Task) {
			panic("bad handler")
		}))
		require.NoError(t, err)
		report, err := we.Run(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Completed)
	})
}
