package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/task"
	"github.com/lightagent/lightagent/pkg/config"
	"github.com/lightagent/lightagent/pkg/logger"
	"golang.org/x/sync/semaphore"
)

// StrategyFactory builds the strategy for one workflow instance.
type StrategyFactory func(ctx context.Context, goal string, input core.Input) (Strategy, error)

// StartOptions control how StartWorkflow behaves under load. Block
// makes admission wait for a free slot and the call wait for terminal
// status; Timeout bounds both waits (manager default when zero).
type StartOptions struct {
	Block   bool
	Timeout time.Duration
}

// WaitResult is the observation outcome of a blocking start or a
// completion wait. TimedOut never implies cancellation of the
// underlying work.
type WaitResult struct {
	Status   core.StatusType
	TimedOut bool
}

// Filter narrows ListWorkflows; zero fields match everything, set
// fields are a conjunction.
type Filter struct {
	Status core.StatusType
	Kind   string
}

// Store persists instance snapshots. Implementations live in the
// store package.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, id core.ID) (*Snapshot, error)
	List(ctx context.Context) ([]*Snapshot, error)
	Delete(ctx context.Context, id core.ID) error
}

// Manager owns the instance registry and enforces admission control:
// the number of simultaneously running workflows never exceeds the
// configured ceiling, backed by a weighted semaphore. A slot is held
// from admission to the pause or terminal transition, and released
// exactly once.
type Manager struct {
	cfg config.ManagerConfig

	mu        sync.Mutex
	instances map[core.ID]*Instance
	order     []core.ID
	admitted  map[core.ID]bool
	factories map[string]StrategyFactory

	sem   *semaphore.Weighted
	store Store

	onStarted       []func(*Instance)
	onTaskCompleted []func(core.ID, *task.Task)
	onCompleted     []func(*Instance)
	onFailed        []func(*Instance, *core.Error)
}

type ManagerOption func(*Manager)

// WithStore persists every settled instance snapshot to s.
func WithStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

func NewManager(cfg config.ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.MaxConcurrentWorkflows < 1 {
		cfg.MaxConcurrentWorkflows = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	m := &Manager{
		cfg:       cfg,
		instances: make(map[core.ID]*Instance),
		admitted:  make(map[core.ID]bool),
		factories: make(map[string]StrategyFactory),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflows)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterStrategy binds a workflow type to its strategy factory.
func (m *Manager) RegisterStrategy(kind string, factory StrategyFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("strategy registration requires a kind and a factory")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.factories[kind]; ok {
		return fmt.Errorf("strategy %q already registered", kind)
	}
	m.factories[kind] = factory
	return nil
}

// CreateWorkflow builds a PENDING instance for a registered workflow
// type. It does not start it.
func (m *Manager) CreateWorkflow(ctx context.Context, kind, goal string, input core.Input) (*Instance, error) {
	m.mu.Lock()
	factory, ok := m.factories[kind]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, kind)
	}
	strategy, err := factory(ctx, goal, input)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s strategy: %w", kind, err)
	}
	inst, err := NewInstance(kind, goal, input, strategy)
	if err != nil {
		return nil, err
	}
	if tn, ok := strategy.(taskNotifier); ok {
		id := inst.ID()
		tn.setOnTaskCompleted(func(t *task.Task) {
			m.fireTaskCompleted(ctx, id, t)
		})
	}
	m.mu.Lock()
	m.instances[inst.ID()] = inst
	m.order = append(m.order, inst.ID())
	m.mu.Unlock()
	logger.FromContext(ctx).Debug("workflow created", "id", inst.ID(), "kind", kind, "goal", goal)
	return inst, nil
}

// GetWorkflow returns the instance with the given ID.
func (m *Manager) GetWorkflow(id core.ID) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return inst, nil
}

// ListWorkflows returns instances matching the filter, in creation
// order.
func (m *Manager) ListWorkflows(filter Filter) []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, id := range m.order {
		inst := m.instances[id]
		if filter.Kind != "" && inst.Kind() != filter.Kind {
			continue
		}
		if filter.Status != "" && inst.Status() != filter.Status {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// RunningCount reports how many instances are currently RUNNING.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, inst := range m.instances {
		if inst.Status() == core.StatusRunning {
			count++
		}
	}
	return count
}

// -----------------------------------------------------------------------------
// Starting
// -----------------------------------------------------------------------------

// StartWorkflow admits and starts one instance. Without Block, a full
// manager fails fast with ErrCapacityExceeded; with Block, the call
// waits for a slot and then for terminal status, bounded by the
// timeout. A timed-out blocking call reports TimedOut without touching
// the workflow.
func (m *Manager) StartWorkflow(ctx context.Context, id core.ID, opts StartOptions) (*WaitResult, error) {
	inst, err := m.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if err := m.admit(ctx, id, opts.Block, timeout); err != nil {
		return nil, err
	}
	if err := m.begin(ctx, inst); err != nil {
		return nil, err
	}
	if !opts.Block {
		return &WaitResult{Status: inst.Status()}, nil
	}
	return m.waitTerminal(ctx, inst, timeout)
}

// StartWorkflows starts several instances, each under the same
// admission control. Capacity-exceeded starts wait for slots in the
// order requested, so earlier IDs are never starved by later ones.
func (m *Manager) StartWorkflows(ctx context.Context, ids []core.ID) error {
	var errs []error
	for _, id := range ids {
		inst, err := m.GetWorkflow(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.admit(ctx, id, true, m.cfg.DefaultTimeout); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", id, err))
			continue
		}
		if err := m.begin(ctx, inst); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// reserve records the admission before any semaphore work. A workflow
// that is already admitted fails fast here, so a duplicate start can
// never release the slot held by the live run.
func (m *Manager) reserve(id core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitted[id] {
		return fmt.Errorf("%w: workflow %s is already running", ErrInvalidTransition, id)
	}
	m.admitted[id] = true
	return nil
}

// unreserve drops a reservation that never acquired a slot.
func (m *Manager) unreserve(id core.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.admitted, id)
}

func (m *Manager) admit(ctx context.Context, id core.ID, block bool, timeout time.Duration) error {
	if err := m.reserve(id); err != nil {
		return err
	}
	if !block {
		if !m.sem.TryAcquire(1) {
			m.unreserve(id)
			return fmt.Errorf("%w: %d workflows running", ErrCapacityExceeded, m.RunningCount())
		}
		return nil
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		m.unreserve(id)
		return fmt.Errorf("%w: gave up waiting for a slot: %v", ErrCapacityExceeded, err)
	}
	return nil
}

// begin transitions the instance to RUNNING and launches its runner.
// The slot acquired by admit is handed over to the runner, which
// releases it when the run settles.
func (m *Manager) begin(ctx context.Context, inst *Instance) error {
	if err := inst.start(); err != nil {
		m.releaseSlot(inst.ID())
		return err
	}
	m.fireStarted(ctx, inst)
	runCtx := context.WithoutCancel(ctx)
	go inst.run(runCtx, func() { m.settle(runCtx, inst) })
	return nil
}

// settle runs after an instance reaches a terminal state: slot
// release, persistence and terminal callbacks.
func (m *Manager) settle(ctx context.Context, inst *Instance) {
	m.releaseSlot(inst.ID())
	log := logger.FromContext(ctx)
	if m.store != nil {
		if snap, err := inst.Snapshot(); err == nil {
			if err := m.store.Save(ctx, snap); err != nil {
				log.Error("failed to persist workflow snapshot", "id", inst.ID(), "error", err)
			}
		} else {
			log.Error("failed to snapshot workflow", "id", inst.ID(), "error", err)
		}
	}
	status := inst.Status()
	log.Info("workflow settled", "id", inst.ID(), "status", status)
	if status == core.StatusFailed {
		_, runErr := inst.Result()
		m.fireFailed(ctx, inst, runErr)
		return
	}
	m.fireCompleted(ctx, inst)
}

func (m *Manager) releaseSlot(id core.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitted[id] {
		delete(m.admitted, id)
		m.sem.Release(1)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle delegation
// -----------------------------------------------------------------------------

// PauseWorkflow pauses the instance and frees its admission slot once
// the drain completes.
func (m *Manager) PauseWorkflow(ctx context.Context, id core.ID) error {
	inst, err := m.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := inst.Pause(ctx); err != nil {
		return err
	}
	m.releaseSlot(id)
	return nil
}

// ResumeWorkflow re-admits a paused instance. A full manager rejects
// the resume with ErrCapacityExceeded and leaves the instance paused.
func (m *Manager) ResumeWorkflow(ctx context.Context, id core.ID) error {
	inst, err := m.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := m.reserve(id); err != nil {
		return err
	}
	if !m.sem.TryAcquire(1) {
		m.unreserve(id)
		return fmt.Errorf("%w: cannot resume %s", ErrCapacityExceeded, id)
	}
	if err := inst.Resume(); err != nil {
		m.releaseSlot(id)
		return err
	}
	logger.FromContext(ctx).Info("workflow resumed", "id", id)
	return nil
}

// CancelWorkflow requests cancellation. The slot frees when the drain
// finishes and the runner settles.
func (m *Manager) CancelWorkflow(ctx context.Context, id core.ID) error {
	inst, err := m.GetWorkflow(id)
	if err != nil {
		return err
	}
	if err := inst.Cancel(); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("workflow cancellation requested", "id", id)
	return nil
}

// -----------------------------------------------------------------------------
// Waiting and cleanup
// -----------------------------------------------------------------------------

// WaitForCompletion blocks until the instance settles or the timeout
// elapses. The timeout is observational only; any number of callers
// may wait on the same instance.
func (m *Manager) WaitForCompletion(ctx context.Context, id core.ID, timeout time.Duration) (*WaitResult, error) {
	inst, err := m.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	return m.waitTerminal(ctx, inst, timeout)
}

func (m *Manager) waitTerminal(ctx context.Context, inst *Instance, timeout time.Duration) (*WaitResult, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &WaitResult{Status: inst.Status(), TimedOut: true}, nil
	case <-inst.Done():
		return &WaitResult{Status: inst.Status()}, nil
	}
}

// WaitForAll waits for every started instance to settle, under one
// shared timeout.
func (m *Manager) WaitForAll(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for _, inst := range m.ListWorkflows(Filter{}) {
		if inst.Status() == core.StatusPending {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out waiting for workflows")
		}
		result, err := m.waitTerminal(ctx, inst, remaining)
		if err != nil {
			return err
		}
		if result.TimedOut {
			return fmt.Errorf("timed out waiting for workflow %s", inst.ID())
		}
	}
	return nil
}

// CleanupCompleted drops terminal instances older than the given age
// from the registry and returns how many were removed. Zero age uses
// the configured default.
func (m *Manager) CleanupCompleted(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = m.cfg.CleanupAge
	}
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	kept := m.order[:0]
	for _, id := range m.order {
		inst := m.instances[id]
		completedAt := inst.CompletedAt()
		if inst.Status().IsTerminal() && completedAt != nil && completedAt.Before(cutoff) {
			delete(m.instances, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

// -----------------------------------------------------------------------------
// Callbacks
// -----------------------------------------------------------------------------

// OnWorkflowStarted registers a handler fired after PENDING->RUNNING
// commits.
func (m *Manager) OnWorkflowStarted(fn func(*Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStarted = append(m.onStarted, fn)
}

// OnTaskCompleted registers a handler fired after every terminal task
// transition inside a graph-backed workflow.
func (m *Manager) OnTaskCompleted(fn func(core.ID, *task.Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTaskCompleted = append(m.onTaskCompleted, fn)
}

// OnWorkflowCompleted registers a handler fired when an instance
// settles in SUCCESS or CANCELED.
func (m *Manager) OnWorkflowCompleted(fn func(*Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompleted = append(m.onCompleted, fn)
}

// OnWorkflowFailed registers a handler fired when an instance settles
// in FAILED.
func (m *Manager) OnWorkflowFailed(fn func(*Instance, *core.Error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = append(m.onFailed, fn)
}

// invoke shields the manager's control flow from observer code: a
// panicking handler is logged and dropped.
func invoke(ctx context.Context, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

func (m *Manager) fireStarted(ctx context.Context, inst *Instance) {
	m.mu.Lock()
	handlers := append([]func(*Instance){}, m.onStarted...)
	m.mu.Unlock()
	for _, fn := range handlers {
		invoke(ctx, "workflow_started", func() { fn(inst) })
	}
}

func (m *Manager) fireTaskCompleted(ctx context.Context, id core.ID, t *task.Task) {
	m.mu.Lock()
	handlers := append([]func(core.ID, *task.Task){}, m.onTaskCompleted...)
	m.mu.Unlock()
	for _, fn := range handlers {
		invoke(ctx, "task_completed", func() { fn(id, t) })
	}
}

func (m *Manager) fireCompleted(ctx context.Context, inst *Instance) {
	m.mu.Lock()
	handlers := append([]func(*Instance){}, m.onCompleted...)
	m.mu.Unlock()
	for _, fn := range handlers {
		invoke(ctx, "workflow_completed", func() { fn(inst) })
	}
}

func (m *Manager) fireFailed(ctx context.Context, inst *Instance, runErr *core.Error) {
	m.mu.Lock()
	handlers := append([]func(*Instance, *core.Error){}, m.onFailed...)
	m.mu.Unlock()
	for _, fn := range handlers {
		invoke(ctx, "workflow_failed", func() { fn(inst, runErr) })
	}
}
