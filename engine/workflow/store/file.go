package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lightagent/lightagent/engine/core"
	"github.com/lightagent/lightagent/engine/workflow"
	"github.com/spf13/afero"
)

const snapshotExt = ".json"

// File persists one JSON document per workflow under a directory. The
// filesystem is abstracted so tests run against an in-memory fs.
type File struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

func NewFile(fs afero.Fs, dir string) (*File, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		return nil, fmt.Errorf("file store requires a directory")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return &File{fs: fs, dir: dir}, nil
}

func (s *File) path(id core.ID) string {
	return filepath.Join(s.dir, id.String()+snapshotExt)
}

func (s *File) Save(_ context.Context, snap *workflow.Snapshot) error {
	if snap == nil || snap.ID.IsZero() {
		return fmt.Errorf("snapshot requires an ID")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := afero.WriteFile(s.fs, s.path(snap.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *File) Load(_ context.Context, id core.ID) (*workflow.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (s *File) List(ctx context.Context) ([]*workflow.Snapshot, error) {
	s.mu.Lock()
	entries, err := afero.ReadDir(s.fs, s.dir)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory %s: %w", s.dir, err)
	}
	var snaps []*workflow.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}
		id := core.ID(strings.TrimSuffix(entry.Name(), snapshotExt))
		snap, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps, nil
}

func (s *File) Delete(_ context.Context, id core.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, id)
		}
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}
