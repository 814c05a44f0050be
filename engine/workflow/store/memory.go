// Package store provides persistence backends for workflow snapshots.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/workflow"
)

// Memory keeps snapshots in a map. Suitable for tests and single-run
// tooling.
type Memory struct {
	mu    sync.RWMutex
	snaps map[core.ID]*workflow.Snapshot
	order []core.ID
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[core.ID]*workflow.Snapshot)}
}

func (s *Memory) Save(_ context.Context, snap *workflow.Snapshot) error {
	if snap == nil || snap.ID.IsZero() {
		return fmt.Errorf("snapshot requires an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snap.ID]; !ok {
		s.order = append(s.order, snap.ID)
	}
	s.snaps[snap.ID] = snap
	return nil
}

func (s *Memory) Load(_ context.Context, id core.ID) (*workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, id)
	}
	return snap, nil
}

func (s *Memory) List(_ context.Context) ([]*workflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snaps[id])
	}
	return out, nil
}

func (s *Memory) Delete(_ context.Context, id core.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[id]; !ok {
		return fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, id)
	}
	delete(s.snaps, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
