package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/executor"
	"github.com/lightagent/lightagent/engine/planner"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/lightagent/lightagent/pkg/config"
	"github.com/lightagent/lightagent/pkg/logger"
)

// Result is what a strategy hands back to the instance when its run
// settles.
type Result struct {
	Output core.Output      `json:"output,omitempty"`
	Report *executor.Report `json:"report,omitempty"`
}

// Strategy is one way of driving a goal to completion. Execute runs to
// quiescence; a returned error means the workflow failed, not that the
// process is broken.
type Strategy interface {
	Type() string
	Execute(ctx context.Context, goal string, input core.Input) (*Result, error)
}

// Pauser is implemented by strategies that can stop dispatching and
// drain in-flight work. The channel returned by Pause closes at the
// quiesce point.
type Pauser interface {
	Pause() <-chan struct{}
	Resume()
}

// Canceler is implemented by strategies that can stop permanently,
// with the same drain semantics as Pause.
type Canceler interface {
	Cancel()
}

// progressReporter lets a strategy expose completion percentage.
type progressReporter interface {
	Progress() float64
}

// taskNotifier lets the manager observe per-task terminal transitions.
type taskNotifier interface {
	setOnTaskCompleted(fn func(*task.Task))
}

// -----------------------------------------------------------------------------
// Planning strategy
// -----------------------------------------------------------------------------

// Planning decomposes the goal with a planner, builds a task graph and
// drives it through a WorkflowExecutor.
type Planning struct {
	planner planner.Planner
	fn      executor.ExecFunc
	cfg     config.EngineConfig
	mode    executor.Mode

	mu          sync.Mutex
	exec        *executor.WorkflowExecutor
	graph       *task.Graph
	onCompleted func(*task.Task)
}

type PlanningOption func(*Planning)

// WithPlanningMode overrides the engine's default execution mode.
func WithPlanningMode(m executor.Mode) PlanningOption {
	return func(s *Planning) { s.mode = m }
}

func NewPlanning(p planner.Planner, fn executor.ExecFunc, cfg config.EngineConfig, opts ...PlanningOption) (*Planning, error) {
	if p == nil {
		return nil, fmt.Errorf("planning strategy requires a planner")
	}
	if fn == nil {
		return nil, fmt.Errorf("planning strategy requires an exec function")
	}
	mode, err := executor.ParseMode(cfg.DefaultMode)
	if err != nil {
		mode = executor.ModeSequential
	}
	s := &Planning{planner: p, fn: fn, cfg: cfg, mode: mode}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Planning) Type() string { return "planning" }

func (s *Planning) Execute(ctx context.Context, goal string, input core.Input) (*Result, error) {
	log := logger.FromContext(ctx)
	defs, err := s.planner.Plan(ctx, goal, input)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	graph, err := planner.BuildGraph(defs)
	if err != nil {
		return nil, err
	}
	log.Info("plan built", "goal", goal, "tasks", graph.Len())

	taskExec, err := executor.NewTaskExecutor(s.fn,
		executor.WithMaxRetries(s.cfg.MaxRetries),
		executor.WithRetryBaseDelay(s.cfg.RetryBaseDelay),
	)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	opts := []executor.WorkflowOption{
		executor.WithMode(s.mode),
		executor.WithMaxParallel(s.cfg.MaxParallelTasks),
		executor.WithStopOnFailure(s.cfg.StopOnFailure),
		executor.WithAutoRefine(s.planner, s.cfg.MaxRefinements),
		executor.WithInput(input),
	}
	if s.onCompleted != nil {
		opts = append(opts, executor.WithOnTaskCompleted(s.onCompleted))
	}
	we, err := executor.NewWorkflowExecutor(graph, taskExec, opts...)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.exec = we
	s.graph = graph
	s.mu.Unlock()

	report, err := we.Run(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{
		Output: core.Output{"completed": report.Completed, "total": report.Total},
		Report: report,
	}
	if !report.Success() {
		return result, fmt.Errorf("%d of %d tasks failed", report.Failed, report.Total)
	}
	return result, nil
}

func (s *Planning) Pause() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		drained := make(chan struct{})
		close(drained)
		return drained
	}
	return s.exec.Pause()
}

func (s *Planning) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil {
		s.exec.Resume()
	}
}

func (s *Planning) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil {
		s.exec.Cancel()
	}
}

func (s *Planning) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return 0
	}
	return s.graph.Progress().Percent
}

// Graph exposes the task graph once planning has happened, for
// snapshots.
func (s *Planning) Graph() *task.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

func (s *Planning) setOnTaskCompleted(fn func(*task.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCompleted = fn
}

// -----------------------------------------------------------------------------
// Sequential strategy
// -----------------------------------------------------------------------------

// Step is one fixed stage of a sequential workflow.
type Step struct {
	Name string
	Run  func(ctx context.Context, input core.Input) (core.Output, error)
	// StopOnFailure aborts the workflow when this step fails. A step
	// with StopOnFailure off records the error and continues.
	StopOnFailure bool
}

// Sequential runs a fixed list of steps in order. Pause and cancel
// take effect between steps.
type Sequential struct {
	steps []Step
	gate  gate

	mu        sync.Mutex
	stepIndex int
}

func NewSequential(steps []Step) (*Sequential, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("sequential strategy requires at least one step")
	}
	for i, step := range steps {
		if step.Run == nil {
			return nil, fmt.Errorf("step %d (%s) has no run function", i, step.Name)
		}
	}
	return &Sequential{steps: steps}, nil
}

func (s *Sequential) Type() string { return "sequential" }

func (s *Sequential) Execute(ctx context.Context, goal string, input core.Input) (*Result, error) {
	log := logger.FromContext(ctx)
	output := core.Output{}
	var failures []string
	current := core.Input{"goal": goal}.Merge(input)
	for i, step := range s.steps {
		if !s.gate.enter(ctx) {
			break
		}
		s.setStepIndex(i)
		stepOut, err := step.Run(ctx, current)
		s.gate.exit()
		if err != nil {
			log.Warn("step failed", "step", step.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", step.Name, err))
			if step.StopOnFailure {
				break
			}
			continue
		}
		for k, v := range stepOut {
			output[k] = v
			current[k] = v
		}
	}
	s.setStepIndex(len(s.steps))
	result := &Result{Output: output}
	if len(failures) > 0 {
		return result, fmt.Errorf("steps failed: %s", strings.Join(failures, "; "))
	}
	return result, nil
}

func (s *Sequential) setStepIndex(i int) {
	s.mu.Lock()
	s.stepIndex = i
	s.mu.Unlock()
}

func (s *Sequential) Pause() <-chan struct{} { return s.gate.pause() }
func (s *Sequential) Resume()                { s.gate.resume() }
func (s *Sequential) Cancel()                { s.gate.cancel() }

func (s *Sequential) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.stepIndex) / float64(len(s.steps)) * 100
}

// -----------------------------------------------------------------------------
// Interactive strategy
// -----------------------------------------------------------------------------

// Interactive drives a conversational loop against a model, one turn
// per scheduling unit, until the model signals completion or the turn
// budget runs out.
type Interactive struct {
	client   planner.ModelClient
	maxTurns int
	gate     gate

	mu    sync.Mutex
	turns int
}

const defaultMaxTurns = 10

func NewInteractive(client planner.ModelClient, maxTurns int) (*Interactive, error) {
	if client == nil {
		return nil, fmt.Errorf("interactive strategy requires a model client")
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Interactive{client: client, maxTurns: maxTurns}, nil
}

func (s *Interactive) Type() string { return "interactive" }

func (s *Interactive) Execute(ctx context.Context, goal string, input core.Input) (*Result, error) {
	log := logger.FromContext(ctx)
	var transcript []string
	prompt := fmt.Sprintf("Work towards this goal, one step per response. Reply DONE when finished.\n\nGoal: %s", goal)
	for turn := 0; turn < s.maxTurns; turn++ {
		if !s.gate.enter(ctx) {
			break
		}
		response, err := s.client.Generate(ctx, prompt)
		s.gate.exit()
		if err != nil {
			return &Result{Output: core.Output{"transcript": transcript}}, fmt.Errorf("turn %d failed: %w", turn+1, err)
		}
		transcript = append(transcript, response)
		s.setTurns(turn + 1)
		if strings.Contains(strings.ToUpper(response), "DONE") {
			log.Debug("interactive workflow signaled completion", "turns", turn+1)
			break
		}
		prompt = fmt.Sprintf("Previous response:\n%s\n\nContinue towards the goal: %s", response, goal)
	}
	return &Result{Output: core.Output{"transcript": transcript, "turns": len(transcript)}}, nil
}

func (s *Interactive) setTurns(n int) {
	s.mu.Lock()
	s.turns = n
	s.mu.Unlock()
}

func (s *Interactive) Pause() <-chan struct{} { return s.gate.pause() }
func (s *Interactive) Resume()                { s.gate.resume() }
func (s *Interactive) Cancel()                { s.gate.cancel() }

func (s *Interactive) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.turns) / float64(s.maxTurns) * 100
}

// -----------------------------------------------------------------------------
// Pause gate shared by step-wise strategies
// -----------------------------------------------------------------------------

// gate serializes pause/resume/cancel for strategies that run one unit
// of work at a time. enter blocks while paused; exit marks the unit
// settled so drain waiters can be released.
type gate struct {
	mu       sync.Mutex
	paused   bool
	canceled bool
	resumeCh chan struct{}
	drainChs []chan struct{}
	busy     bool
}

func (g *gate) enter(ctx context.Context) bool {
	g.mu.Lock()
	for g.paused && !g.canceled {
		resume := g.resumeCh
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-resume:
		}
		g.mu.Lock()
	}
	if g.canceled || ctx.Err() != nil {
		g.mu.Unlock()
		return false
	}
	g.busy = true
	g.mu.Unlock()
	return true
}

func (g *gate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy = false
	for _, ch := range g.drainChs {
		close(ch)
	}
	g.drainChs = nil
}

func (g *gate) pause() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused && !g.canceled {
		g.paused = true
		g.resumeCh = make(chan struct{})
	}
	drained := make(chan struct{})
	if !g.busy {
		close(drained)
	} else {
		g.drainChs = append(g.drainChs, drained)
	}
	return drained
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumeCh)
	}
}

func (g *gate) cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = true
	if g.paused {
		g.paused = false
		close(g.resumeCh)
	}
}
