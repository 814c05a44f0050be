package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/task"
)

// historyLimit caps the per-instance execution history ring.
const historyLimit = 20

// HistoryEntry is one recorded run event on an instance.
type HistoryEntry struct {
	Goal      string          `json:"goal"`
	Status    core.StatusType `json:"status"`
	Summary   string          `json:"summary,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Instance is one lifecycle-managed run of a goal through a strategy.
// All state is guarded by the instance mutex; the strategy itself runs
// outside the lock.
type Instance struct {
	mu       sync.Mutex
	id       core.ID
	kind     string
	goal     string
	input    core.Input
	status   core.StatusType
	strategy Strategy

	result   *Result
	runErr   *core.Error
	canceled bool

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	history []HistoryEntry
	done    chan struct{}
}

// NewInstance builds a PENDING instance around a strategy.
func NewInstance(kind, goal string, input core.Input, strategy Strategy) (*Instance, error) {
	if strategy == nil {
		return nil, fmt.Errorf("instance requires a strategy")
	}
	return &Instance{
		id:        core.MustNewID(),
		kind:      kind,
		goal:      goal,
		input:     input,
		status:    core.StatusPending,
		strategy:  strategy,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}, nil
}

func (i *Instance) ID() core.ID { return i.id }

func (i *Instance) Kind() string { return i.kind }

func (i *Instance) Goal() string { return i.goal }

func (i *Instance) Status() core.StatusType {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// CompletedAt returns when the instance settled, or nil while it is
// still live.
func (i *Instance) CompletedAt() *time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.completedAt
}

// Done returns a channel closed when the instance reaches a terminal
// state. Any number of goroutines may wait on it.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Result returns the strategy's result and failure, if any.
func (i *Instance) Result() (*Result, *core.Error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, i.runErr
}

// Progress reports completion as 0-100. Strategies that track their
// own progress are consulted; otherwise terminal success counts as 100.
func (i *Instance) Progress() float64 {
	i.mu.Lock()
	status := i.status
	i.mu.Unlock()
	if pr, ok := i.strategy.(progressReporter); ok {
		return pr.Progress()
	}
	if status == core.StatusSuccess {
		return 100
	}
	return 0
}

// start transitions PENDING -> RUNNING.
func (i *Instance) start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != core.StatusPending {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, i.status)
	}
	now := time.Now()
	i.status = core.StatusRunning
	i.startedAt = &now
	return nil
}

// run executes the strategy and settles the terminal state. Must be
// called exactly once, after start. onSettled runs after the terminal
// transition commits but before Done() observers wake, so bookkeeping
// tied to the transition is visible to every waiter.
func (i *Instance) run(ctx context.Context, onSettled func()) {
	result, err := i.strategy.Execute(ctx, i.goal, i.input)

	i.mu.Lock()
	now := time.Now()
	i.result = result
	i.completedAt = &now
	switch {
	case i.canceled:
		i.status = core.StatusCanceled
	case err != nil:
		i.status = core.StatusFailed
		i.runErr = core.NewError(err, "WORKFLOW_FAILED", nil)
	case ctx.Err() != nil:
		i.status = core.StatusCanceled
	default:
		i.status = core.StatusSuccess
	}
	i.appendHistory(HistoryEntry{
		Goal:      i.goal,
		Status:    i.status,
		Summary:   i.summaryLocked(),
		Timestamp: now,
	})
	i.mu.Unlock()

	if onSettled != nil {
		onSettled()
	}
	close(i.done)
}

func (i *Instance) summaryLocked() string {
	if i.runErr != nil {
		return i.runErr.Message
	}
	if i.result != nil && i.result.Report != nil {
		r := i.result.Report
		return fmt.Sprintf("%d/%d tasks completed", r.Completed+r.Skipped, r.Total)
	}
	return ""
}

func (i *Instance) appendHistory(entry HistoryEntry) {
	i.history = append(i.history, entry)
	if len(i.history) > historyLimit {
		i.history = i.history[len(i.history)-historyLimit:]
	}
}

// Pause stops new dispatch and waits for in-flight work to drain. The
// instance is PAUSED only once the strategy has quiesced.
func (i *Instance) Pause(ctx context.Context) error {
	i.mu.Lock()
	if i.status != core.StatusRunning {
		i.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, i.status)
	}
	pauser, ok := i.strategy.(Pauser)
	if !ok {
		i.mu.Unlock()
		return fmt.Errorf("%w: %s workflows cannot pause", ErrInvalidTransition, i.kind)
	}
	i.mu.Unlock()

	drained := pauser.Pause()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-drained:
	case <-i.done:
		// The run settled while draining; pause no longer applies.
		return fmt.Errorf("%w: workflow finished during pause", ErrInvalidTransition)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != core.StatusRunning {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, i.status)
	}
	i.status = core.StatusPaused
	return nil
}

// Resume continues a paused run from the first still-pending unit of
// work. Completed work is never re-executed.
func (i *Instance) Resume() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != core.StatusPaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, i.status)
	}
	pauser, ok := i.strategy.(Pauser)
	if !ok {
		return fmt.Errorf("%w: %s workflows cannot resume", ErrInvalidTransition, i.kind)
	}
	i.status = core.StatusRunning
	pauser.Resume()
	return nil
}

// Cancel stops the run permanently with drain semantics: in-flight
// work settles, nothing new is dispatched and the final status is
// CANCELED once the strategy returns.
func (i *Instance) Cancel() error {
	i.mu.Lock()
	if i.status != core.StatusRunning && i.status != core.StatusPaused {
		i.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, i.status)
	}
	i.canceled = true
	canceler, ok := i.strategy.(Canceler)
	i.mu.Unlock()
	if ok {
		canceler.Cancel()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is the plain serializable record of an instance, complete
// enough for an external store to persist and restore.
type Snapshot struct {
	ID          core.ID         `json:"id"`
	Kind        string          `json:"kind"`
	Goal        string          `json:"goal"`
	Status      core.StatusType `json:"status"`
	Progress    float64         `json:"progress"`
	Output      *core.Output    `json:"output,omitempty"`
	Error       *core.Error     `json:"error,omitempty"`
	Tasks       []task.Snapshot `json:"tasks,omitempty"`
	History     []HistoryEntry  `json:"history,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// graphProvider is implemented by strategies that own a task graph.
type graphProvider interface {
	Graph() *task.Graph
}

// Snapshot returns a consistent deep-copied record of the instance.
func (i *Instance) Snapshot() (*Snapshot, error) {
	i.mu.Lock()
	snap := &Snapshot{
		ID:          i.id,
		Kind:        i.kind,
		Goal:        i.goal,
		Status:      i.status,
		History:     append([]HistoryEntry{}, i.history...),
		CreatedAt:   i.createdAt,
		StartedAt:   i.startedAt,
		CompletedAt: i.completedAt,
	}
	if i.result != nil && i.result.Output != nil {
		output, err := core.DeepCopy(&i.result.Output)
		if err != nil {
			i.mu.Unlock()
			return nil, fmt.Errorf("failed to snapshot workflow %s: %w", i.id, err)
		}
		snap.Output = output
	}
	if i.runErr != nil {
		errCopy := *i.runErr
		snap.Error = &errCopy
	}
	i.mu.Unlock()

	snap.Progress = i.Progress()
	if gp, ok := i.strategy.(graphProvider); ok {
		if graph := gp.Graph(); graph != nil {
			tasks, err := graph.Snapshot()
			if err != nil {
				return nil, err
			}
			snap.Tasks = tasks
		}
	}
	return snap, nil
}
