package task

import (
	"fmt"
	"time"

	"github.com/lightagent/lightagent/engine/core"
)

// Snapshot is the plain serializable record of one task, shaped for
// external stores. It carries no behavior and no references back into
// the graph.
type Snapshot struct {
	ID           core.ID           `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Status       core.StatusType   `json:"status"`
	Priority     core.PriorityType `json:"priority"`
	Dependencies []core.ID         `json:"dependencies,omitempty"`
	Result       *core.Output      `json:"result,omitempty"`
	Error        *core.Error       `json:"error,omitempty"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Snapshot returns a deep-copied, insertion-ordered record of every
// task in the graph.
func (g *Graph) Snapshot() ([]Snapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Snapshot, 0, len(g.order))
	for _, id := range g.order {
		t := g.tasks[id]
		result, err := core.DeepCopy(t.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot task %s: %w", id, err)
		}
		snap := Snapshot{
			ID:           t.ID,
			Name:         t.Name,
			Description:  t.Description,
			Status:       t.Status,
			Priority:     t.Priority,
			Dependencies: append([]core.ID{}, t.Dependencies...),
			Result:       result,
			RetryCount:   t.RetryCount,
			CreatedAt:    t.CreatedAt,
			StartedAt:    t.StartedAt,
			CompletedAt:  t.CompletedAt,
		}
		if t.Error != nil {
			errCopy := *t.Error
			snap.Error = &errCopy
		}
		out = append(out, snap)
	}
	return out, nil
}

// FromSnapshots rebuilds a graph from persisted task records. Edges are
// re-validated, so a corrupted snapshot with a cycle is rejected rather
// than restored.
func FromSnapshots(snaps []Snapshot, opts ...GraphOption) (*Graph, error) {
	g := NewGraph(opts...)
	for i := range snaps {
		s := &snaps[i]
		t := &Task{
			ID:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			Status:       s.Status,
			Priority:     s.Priority,
			Result:       s.Result,
			Error:        s.Error,
			RetryCount:   s.RetryCount,
			CreatedAt:    s.CreatedAt,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
			UpdatedAt:    time.Now(),
		}
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}
	for i := range snaps {
		for _, dep := range snaps[i].Dependencies {
			if err := g.AddDependency(snaps[i].ID, dep); err != nil {
				return nil, fmt.Errorf("failed to restore dependencies: %w", err)
			}
		}
	}
	return g, nil
}
