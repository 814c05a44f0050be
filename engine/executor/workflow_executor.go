package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/planner"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/lightagent/lightagent/pkg/logger"
	"golang.org/x/sync/semaphore"
)

// Mode selects the dispatch strategy for a workflow run.
type Mode string

const (
	// ModeSequential runs one task at a time in topological order.
	ModeSequential Mode = "sequential"
	// ModeParallel runs each topological level concurrently, bounded by
	// the parallelism budget.
	ModeParallel Mode = "parallel"
	// ModeAdaptive recomputes readiness after every completion and
	// dispatches a task the moment its dependencies are satisfied.
	ModeAdaptive Mode = "adaptive"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeSequential:
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	case ModeAdaptive:
		return ModeAdaptive, nil
	}
	return "", fmt.Errorf("unknown execution mode: %s", s)
}

// Report summarizes a workflow run.
type Report struct {
	Total       int                     `json:"total"`
	Completed   int                     `json:"completed"`
	Failed      int                     `json:"failed"`
	Skipped     int                     `json:"skipped"`
	Canceled    int                     `json:"canceled"`
	Errors      map[core.ID]*core.Error `json:"errors,omitempty"`
	Percent     float64                 `json:"percent"`
	Refinements int                     `json:"refinements"`
	Duration    time.Duration           `json:"duration"`
}

// Success reports whether every task reached SUCCESS or SKIPPED.
func (r *Report) Success() bool {
	return r.Failed == 0 && r.Canceled == 0 && r.Completed+r.Skipped == r.Total
}

const (
	defaultMaxParallel = 3
)

// WorkflowExecutor drives a task graph to completion in one of the
// three dispatch modes. Pause and Cancel are cooperative: they are
// observed before every dispatch, and in-flight tasks always drain.
type WorkflowExecutor struct {
	graph         *task.Graph
	taskExec      *TaskExecutor
	mode          Mode
	maxParallel   int64
	stopOnFailure bool

	refiner        planner.Planner
	maxRefinements int
	input          core.Input

	onTaskCompleted func(*task.Task)

	mu       sync.Mutex
	paused   bool
	canceled bool
	resumeCh chan struct{}
	drainChs []chan struct{}
	inflight int
}

type WorkflowOption func(*WorkflowExecutor)

func WithMode(m Mode) WorkflowOption {
	return func(e *WorkflowExecutor) { e.mode = m }
}

// WithMaxParallel bounds concurrent tasks in parallel and adaptive
// modes.
func WithMaxParallel(n int) WorkflowOption {
	return func(e *WorkflowExecutor) {
		if n > 0 {
			e.maxParallel = int64(n)
		}
	}
}

// WithStopOnFailure controls whether a permanent task failure aborts
// the rest of the run. On by default.
func WithStopOnFailure(stop bool) WorkflowOption {
	return func(e *WorkflowExecutor) { e.stopOnFailure = stop }
}

// WithAutoRefine enables plan refinement: after a run that left failed
// tasks, the planner is asked to refine them and the run continues with
// the refined tasks, at most maxRefinements times.
func WithAutoRefine(p planner.Planner, maxRefinements int) WorkflowOption {
	return func(e *WorkflowExecutor) {
		e.refiner = p
		if maxRefinements >= 0 {
			e.maxRefinements = maxRefinements
		}
	}
}

// WithInput sets the shared input passed to every task execution.
func WithInput(input core.Input) WorkflowOption {
	return func(e *WorkflowExecutor) { e.input = input }
}

// WithOnTaskCompleted registers a hook invoked after every terminal
// task transition. Panics in the hook are recovered and logged.
func WithOnTaskCompleted(fn func(*task.Task)) WorkflowOption {
	return func(e *WorkflowExecutor) { e.onTaskCompleted = fn }
}

func NewWorkflowExecutor(g *task.Graph, taskExec *TaskExecutor, opts ...WorkflowOption) (*WorkflowExecutor, error) {
	if g == nil {
		return nil, fmt.Errorf("workflow executor requires a graph")
	}
	if taskExec == nil {
		return nil, fmt.Errorf("workflow executor requires a task executor")
	}
	e := &WorkflowExecutor{
		graph:          g,
		taskExec:       taskExec,
		mode:           ModeSequential,
		maxParallel:    defaultMaxParallel,
		stopOnFailure:  true,
		maxRefinements: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes the graph to quiescence and returns the final report.
// It returns an error only for structural problems (a cyclic graph, a
// failed refinement); task failures are reported, not returned.
func (e *WorkflowExecutor) Run(ctx context.Context) (*Report, error) {
	log := logger.FromContext(ctx)
	start := time.Now()
	refinements := 0
	for {
		if err := e.runOnce(ctx); err != nil {
			return nil, err
		}
		if e.isCanceled() || ctx.Err() != nil {
			break
		}
		if e.refiner == nil || refinements >= e.maxRefinements {
			break
		}
		added, err := e.refineFailed(ctx)
		if err != nil {
			log.Warn("plan refinement failed", "error", err)
			break
		}
		if !added {
			break
		}
		refinements++
		log.Info("re-running workflow after refinement", "round", refinements)
	}
	if e.isCanceled() {
		e.cancelRemaining()
	}
	report := e.buildReport(start, refinements)
	log.Info("workflow run finished",
		"total", report.Total,
		"completed", report.Completed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"percent", fmt.Sprintf("%.1f", report.Percent),
	)
	return report, ctx.Err()
}

func (e *WorkflowExecutor) runOnce(ctx context.Context) error {
	switch e.mode {
	case ModeParallel:
		return e.runParallel(ctx)
	case ModeAdaptive:
		return e.runAdaptive(ctx)
	default:
		return e.runSequential(ctx)
	}
}

// -----------------------------------------------------------------------------
// Dispatch modes
// -----------------------------------------------------------------------------

func (e *WorkflowExecutor) runSequential(ctx context.Context) error {
	levels, err := e.graph.ExecutionOrder()
	if err != nil {
		return err
	}
	for _, level := range levels {
		for _, t := range level {
			if t.Status.IsTerminal() {
				continue
			}
			if !e.beginDispatch(ctx) {
				return nil
			}
			outcome := e.taskExec.Execute(ctx, e.graph, t, e.input)
			e.endDispatch()
			e.notifyCompleted(ctx, t)
			if !outcome.Success {
				e.skipDownstream(ctx, t.ID)
				if e.stopOnFailure {
					return nil
				}
			}
		}
	}
	return nil
}

func (e *WorkflowExecutor) runParallel(ctx context.Context) error {
	levels, err := e.graph.ExecutionOrder()
	if err != nil {
		return err
	}
	sem := semaphore.NewWeighted(e.maxParallel)
	for _, level := range levels {
		failed := false
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, t := range level {
			if t.Status.IsTerminal() {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil
			}
			if !e.beginDispatch(ctx) {
				sem.Release(1)
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(t *task.Task) {
				defer wg.Done()
				defer sem.Release(1)
				outcome := e.taskExec.Execute(ctx, e.graph, t, e.input)
				e.endDispatch()
				e.notifyCompleted(ctx, t)
				if !outcome.Success {
					e.skipDownstream(ctx, t.ID)
					mu.Lock()
					failed = true
					mu.Unlock()
				}
			}(t)
		}
		wg.Wait()
		if failed && e.stopOnFailure {
			return nil
		}
	}
	return nil
}

func (e *WorkflowExecutor) runAdaptive(ctx context.Context) error {
	if cycle := e.graph.DetectCycle(); cycle != nil {
		return fmt.Errorf("%w: %v", task.ErrCyclicDependency, cycle)
	}
	sem := semaphore.NewWeighted(e.maxParallel)
	done := make(chan *task.Task, e.graph.Len()+1)
	dispatched := make(map[core.ID]bool)
	outstanding := 0
	stopped := false
	for {
		if !stopped {
			for _, t := range e.graph.ReadyTasks() {
				if dispatched[t.ID] {
					continue
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					stopped = true
					break
				}
				if !e.beginDispatch(ctx) {
					sem.Release(1)
					stopped = true
					break
				}
				dispatched[t.ID] = true
				outstanding++
				go func(t *task.Task) {
					defer sem.Release(1)
					e.taskExec.Execute(ctx, e.graph, t, e.input)
					e.endDispatch()
					done <- t
				}(t)
			}
		}
		if outstanding == 0 {
			return nil
		}
		var t *task.Task
		if stopped {
			t = <-done
		} else {
			select {
			case <-ctx.Done():
				stopped = true
				continue
			case t = <-done:
			}
		}
		outstanding--
		e.notifyCompleted(ctx, t)
		if t.Status == core.StatusFailed {
			e.skipDownstream(ctx, t.ID)
			if e.stopOnFailure {
				stopped = true
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Pause / resume / cancel
// -----------------------------------------------------------------------------

// Pause asks the run to stop dispatching new tasks. The returned
// channel closes once every in-flight task has drained, giving the
// caller a quiesce point.
func (e *WorkflowExecutor) Pause() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused && !e.canceled {
		e.paused = true
		e.resumeCh = make(chan struct{})
	}
	drained := make(chan struct{})
	if e.inflight == 0 {
		close(drained)
	} else {
		e.drainChs = append(e.drainChs, drained)
	}
	return drained
}

// Resume lets a paused run continue dispatching.
func (e *WorkflowExecutor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resumeCh)
	}
}

// Cancel stops the run permanently. In-flight tasks drain; everything
// not yet dispatched is marked CANCELED when Run returns.
func (e *WorkflowExecutor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = true
	if e.paused {
		e.paused = false
		close(e.resumeCh)
	}
}

func (e *WorkflowExecutor) isCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

// beginDispatch blocks while paused and reports whether dispatching may
// proceed. It returns false once the run is canceled or the context
// expires.
func (e *WorkflowExecutor) beginDispatch(ctx context.Context) bool {
	e.mu.Lock()
	for e.paused && !e.canceled {
		resume := e.resumeCh
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-resume:
		}
		e.mu.Lock()
	}
	if e.canceled || ctx.Err() != nil {
		e.mu.Unlock()
		return false
	}
	e.inflight++
	e.mu.Unlock()
	return true
}

func (e *WorkflowExecutor) endDispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		for _, ch := range e.drainChs {
			close(ch)
		}
		e.drainChs = nil
	}
}

// -----------------------------------------------------------------------------
// Failure propagation and refinement
// -----------------------------------------------------------------------------

func (e *WorkflowExecutor) skipDownstream(ctx context.Context, id core.ID) {
	skipped, err := e.graph.SkipDependents(id)
	if err != nil {
		logger.FromContext(ctx).Error("failed to skip dependents", "task", id, "error", err)
		return
	}
	for _, skippedID := range skipped {
		if t, err := e.graph.Get(skippedID); err == nil {
			e.notifyCompleted(ctx, t)
		}
	}
}

func (e *WorkflowExecutor) notifyCompleted(ctx context.Context, t *task.Task) {
	if e.onTaskCompleted == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("task completion hook panicked", "task", t.Name, "panic", r)
		}
	}()
	e.onTaskCompleted(t)
}

// refineFailed asks the planner to rework the failed tasks and grafts
// the refined tasks onto the graph. Reports whether anything new was
// added.
func (e *WorkflowExecutor) refineFailed(ctx context.Context) (bool, error) {
	var failed []*task.Task
	for _, t := range e.graph.Tasks() {
		if t.Status == core.StatusFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) == 0 {
		return false, nil
	}
	defs := make([]planner.Definition, len(failed))
	var feedback strings.Builder
	for i, t := range failed {
		defs[i] = planner.Definition{Name: t.Name, Description: t.Description, Priority: t.Priority}
		fmt.Fprintf(&feedback, "Task %q failed", t.Name)
		if t.Error != nil {
			fmt.Fprintf(&feedback, ": %s", t.Error.Message)
		}
		feedback.WriteString("\n")
	}
	refined, err := e.refiner.Refine(ctx, defs, feedback.String())
	if err != nil {
		return false, err
	}
	if err := planner.ValidateDefinitions(refined); err != nil {
		return false, err
	}
	// Graft the refined batch as fresh tasks; dependency indices resolve
	// within the batch only.
	added := make([]*task.Task, len(refined))
	for i, def := range refined {
		nt := task.New(def.Name, def.Description, task.WithPriority(def.Priority))
		if err := e.graph.AddTask(nt); err != nil {
			return false, err
		}
		added[i] = nt
	}
	for i, def := range refined {
		for _, depIdx := range def.DependsOn {
			if err := e.graph.AddDependency(added[i].ID, added[depIdx].ID); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// -----------------------------------------------------------------------------
// Reporting
// -----------------------------------------------------------------------------

func (e *WorkflowExecutor) cancelRemaining() {
	for _, t := range e.graph.Tasks() {
		if !t.Status.IsTerminal() {
			e.graph.MarkCanceled(t.ID) //nolint:errcheck // task is known to exist
		}
	}
}

func (e *WorkflowExecutor) buildReport(start time.Time, refinements int) *Report {
	progress := e.graph.Progress()
	report := &Report{
		Total:       progress.Total,
		Completed:   progress.Count(core.StatusSuccess),
		Failed:      progress.Count(core.StatusFailed),
		Skipped:     progress.Count(core.StatusSkipped),
		Canceled:    progress.Count(core.StatusCanceled),
		Percent:     progress.Percent,
		Refinements: refinements,
		Duration:    time.Since(start),
	}
	for _, t := range e.graph.Tasks() {
		if t.Status == core.StatusFailed && t.Error != nil {
			if report.Errors == nil {
				report.Errors = make(map[core.ID]*core.Error)
			}
			report.Errors[t.ID] = t.Error
		}
	}
	return report
}
