package task

import (
	"time"

	"github.com/lightagent/lightagent/engine/core"
)

// Task is a single unit of work inside a graph. A task is owned by
// exactly one graph and is only mutated through that graph's methods,
// which serialize all status transitions.
type Task struct {
	ID          core.ID           `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Status      core.StatusType   `json:"status"`
	Priority    core.PriorityType `json:"priority"`

	// Dependencies are the tasks that must reach SUCCESS (or SKIPPED,
	// per graph policy) before this task becomes ready. Dependents is
	// the reverse index maintained by the graph.
	Dependencies []core.ID `json:"dependencies,omitempty"`
	Dependents   []core.ID `json:"dependents,omitempty"`

	Result     *core.Output `json:"result,omitempty"`
	Error      *core.Error  `json:"error,omitempty"`
	RetryCount int          `json:"retry_count"`

	Metadata core.Input `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Option func(*Task)

func WithPriority(p core.PriorityType) Option {
	return func(t *Task) { t.Priority = p }
}

func WithMetadata(md core.Input) Option {
	return func(t *Task) { t.Metadata = md }
}

func WithID(id core.ID) Option {
	return func(t *Task) { t.ID = id }
}

// New creates a PENDING task with a fresh ID and medium priority.
func New(name, description string, opts ...Option) *Task {
	now := time.Now()
	t := &Task{
		ID:          core.MustNewID(),
		Name:        name,
		Description: description,
		Status:      core.StatusPending,
		Priority:    core.PriorityMedium,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) touch() {
	t.UpdatedAt = time.Now()
}

func (t *Task) markRunning() {
	now := time.Now()
	t.Status = core.StatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
}

func (t *Task) markCompleted(result *core.Output) {
	now := time.Now()
	t.Status = core.StatusSuccess
	t.Result = result
	t.CompletedAt = &now
	t.UpdatedAt = now
}

func (t *Task) markFailed(err *core.Error) {
	now := time.Now()
	t.Status = core.StatusFailed
	t.Error = err
	t.CompletedAt = &now
	t.UpdatedAt = now
}

func (t *Task) markCanceled() {
	now := time.Now()
	t.Status = core.StatusCanceled
	t.CompletedAt = &now
	t.UpdatedAt = now
}

func (t *Task) markSkipped() {
	now := time.Now()
	t.Status = core.StatusSkipped
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// dependsOn reports whether id is already a declared dependency.
func (t *Task) dependsOn(id core.ID) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
