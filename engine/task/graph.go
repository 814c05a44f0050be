package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lightagent/lightagent/engine/core"
)

// GraphOption configures graph policy at construction time.
type GraphOption func(*Graph)

// WithSkippedSatisfies makes SKIPPED dependencies count as satisfied
// when computing readiness. Off by default: a skipped branch normally
// blocks (and skips) everything downstream of it.
func WithSkippedSatisfies() GraphOption {
	return func(g *Graph) { g.skippedSatisfies = true }
}

// Graph owns a set of tasks and their dependency edges. The dependency
// relation is kept acyclic: AddDependency rejects any edge that would
// close a cycle before committing it. Iteration order is insertion
// order, which keeps scheduling deterministic.
type Graph struct {
	mu               sync.RWMutex
	tasks            map[core.ID]*Task
	order            []core.ID
	skippedSatisfies bool
}

func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{tasks: make(map[core.ID]*Task)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddTask inserts a task into the graph.
func (g *Graph) AddTask(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

// Get returns the task with the given ID.
func (g *Graph) Get(id core.ID) (*Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// AddDependency records that taskID depends on dependsOnID. The edge is
// rejected with ErrCyclicDependency when it would close a cycle; the
// check runs before any mutation so a failed call leaves the graph
// untouched.
func (g *Graph) AddDependency(taskID, dependsOnID core.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	dep, ok := g.tasks[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, dependsOnID)
	}
	if taskID == dependsOnID {
		return fmt.Errorf("%w: %s depends on itself", ErrCyclicDependency, taskID)
	}
	if t.dependsOn(dependsOnID) {
		return nil
	}
	// taskID reachable from dependsOnID along existing dependency edges
	// means the new edge closes a cycle.
	if g.reachable(dependsOnID, taskID) {
		return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, taskID, dependsOnID)
	}
	t.Dependencies = append(t.Dependencies, dependsOnID)
	dep.Dependents = append(dep.Dependents, taskID)
	t.touch()
	dep.touch()
	return nil
}

// reachable walks dependency edges from src looking for dst.
// Caller must hold the lock.
func (g *Graph) reachable(src, dst core.ID) bool {
	seen := make(map[core.ID]bool)
	stack := []core.ID{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == dst {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if t, ok := g.tasks[cur]; ok {
			stack = append(stack, t.Dependencies...)
		}
	}
	return false
}

// ExecutionOrder returns the topological layering of the graph: each
// level holds the tasks whose dependencies all sit in strictly earlier
// levels. Within a level, tasks are ordered by priority descending,
// then insertion order. Leftover tasks after layering mean a cycle
// slipped past AddDependency, which is reported as an internal
// consistency error rather than silently dropped.
func (g *Graph) ExecutionOrder() ([][]*Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[core.ID]int, len(g.tasks))
	for id, t := range g.tasks {
		count := 0
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; ok {
				count++
			}
		}
		indegree[id] = count
	}

	remaining := len(g.tasks)
	processed := make(map[core.ID]bool, len(g.tasks))
	var levels [][]*Task
	for remaining > 0 {
		var level []*Task
		for _, id := range g.order {
			if !processed[id] && indegree[id] == 0 {
				level = append(level, g.tasks[id])
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf(
				"graph is inconsistent, %d tasks remain with unsatisfiable dependencies: %w",
				remaining, ErrCyclicDependency,
			)
		}
		sortByScheduleOrder(level, g.insertionIndex())
		for _, t := range level {
			processed[t.ID] = true
			remaining--
			for _, dependent := range t.Dependents {
				if _, ok := g.tasks[dependent]; ok {
					indegree[dependent]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// ReadyTasks returns the tasks immediately eligible to run: still
// PENDING or READY, with every dependency satisfied. Order follows the
// same priority-then-insertion tie-break as ExecutionOrder.
func (g *Graph) ReadyTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != core.StatusPending && t.Status != core.StatusReady {
			continue
		}
		if g.depsSatisfied(t) {
			ready = append(ready, t)
		}
	}
	sortByScheduleOrder(ready, g.insertionIndex())
	return ready
}

func (g *Graph) depsSatisfied(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.tasks[dep]
		if !ok {
			continue
		}
		switch d.Status {
		case core.StatusSuccess:
		case core.StatusSkipped:
			if !g.skippedSatisfies {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (g *Graph) insertionIndex() map[core.ID]int {
	idx := make(map[core.ID]int, len(g.order))
	for i, id := range g.order {
		idx[id] = i
	}
	return idx
}

func sortByScheduleOrder(tasks []*Task, insertion map[core.ID]int) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return insertion[tasks[i].ID] < insertion[tasks[j].ID]
	})
}

// -----------------------------------------------------------------------------
// Status transitions
// -----------------------------------------------------------------------------

// MarkRunning transitions a task to RUNNING. Returns false without side
// effect when the task is already terminal.
func (g *Graph) MarkRunning(id core.ID) (bool, error) {
	return g.transition(id, func(t *Task) { t.markRunning() })
}

// MarkCompleted records a successful result. Idempotent on terminal
// tasks: the second call reports no state change.
func (g *Graph) MarkCompleted(id core.ID, result *core.Output) (bool, error) {
	return g.transition(id, func(t *Task) { t.markCompleted(result) })
}

// MarkFailed records a failure.
func (g *Graph) MarkFailed(id core.ID, taskErr *core.Error) (bool, error) {
	return g.transition(id, func(t *Task) { t.markFailed(taskErr) })
}

// MarkSkipped marks a task as skipped.
func (g *Graph) MarkSkipped(id core.ID) (bool, error) {
	return g.transition(id, func(t *Task) { t.markSkipped() })
}

// MarkCanceled marks a task as canceled.
func (g *Graph) MarkCanceled(id core.ID) (bool, error) {
	return g.transition(id, func(t *Task) { t.markCanceled() })
}

// IncrementRetry bumps the task's retry counter.
func (g *Graph) IncrementRetry(id core.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.RetryCount++
	t.touch()
	return nil
}

func (g *Graph) transition(id core.ID, apply func(*Task)) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status.IsTerminal() {
		return false, nil
	}
	apply(t)
	return true, nil
}

// SkipDependents marks every transitive dependent of id as SKIPPED and
// returns the IDs it skipped. Used when a permanently failed task
// blocks its whole downstream branch.
func (g *Graph) SkipDependents(id core.ID) ([]core.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	var skipped []core.ID
	stack := []core.ID{id}
	seen := map[core.ID]bool{id: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, depID := range g.tasks[cur].Dependents {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			dep, ok := g.tasks[depID]
			if !ok {
				continue
			}
			if !dep.Status.IsTerminal() {
				dep.markSkipped()
				skipped = append(skipped, depID)
			}
			stack = append(stack, depID)
		}
	}
	return skipped, nil
}

// -----------------------------------------------------------------------------
// Progress and diagnostics
// -----------------------------------------------------------------------------

// ProgressInfo aggregates task counts by status. Percent counts
// SUCCESS and SKIPPED tasks as done, so it is monotonic over a run.
type ProgressInfo struct {
	Total    int                     `json:"total"`
	ByStatus map[core.StatusType]int `json:"by_status"`
	Percent  float64                 `json:"percent"`
}

func (p *ProgressInfo) Count(s core.StatusType) int {
	return p.ByStatus[s]
}

// Progress returns current counts by status and the completion
// percentage.
func (g *Graph) Progress() *ProgressInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info := &ProgressInfo{
		Total:    len(g.tasks),
		ByStatus: make(map[core.StatusType]int),
	}
	done := 0
	for _, t := range g.tasks {
		info.ByStatus[t.Status]++
		if t.Status == core.StatusSuccess || t.Status == core.StatusSkipped {
			done++
		}
	}
	if info.Total > 0 {
		info.Percent = float64(done) / float64(info.Total) * 100
	}
	return info
}

// DetectCycle returns the task IDs of one dependency cycle, or nil when
// the graph is acyclic. Exposed for diagnostics; AddDependency already
// prevents cycles from forming.
func (g *Graph) DetectCycle() []core.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := make(map[core.ID]bool)
	onStack := make(map[core.ID]bool)
	var path []core.ID

	var visit func(id core.ID) []core.ID
	visit = func(id core.ID) []core.ID {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			if onStack[dep] {
				// Trim the path down to the cycle itself.
				for i, pid := range path {
					if pid == dep {
						return append([]core.ID{}, path[i:]...)
					}
				}
				return append([]core.ID{}, path...)
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
