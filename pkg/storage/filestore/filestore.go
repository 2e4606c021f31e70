// Package filestore implements pkg/storage's repository interfaces
// against the .workflow/ file tree. It is the
// default backend for single-operator runs and requires no external
// service.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// Store is a single .workflow/ tree rooted at dir, guarded by one mutex
// so concurrent task-loop workers never interleave writes to the same
// file (mirrors a single-writer-per-entity rule).
type Store struct {
	dir string
	mu  sync.Mutex
	bus *inProcessBus
}

// New opens (creating if absent) the .workflow/ tree under projectDir.
func New(projectDir string) (*Store, error) {
	root := filepath.Join(projectDir, ".workflow")
	for _, sub := range []string{"workflows", "tasks", "audits", "sessions", "budgets", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	return &Store{dir: root, bus: newInProcessBus()}, nil
}

// Repositories returns the bundle of interfaces backed by this store.
func (s *Store) Repositories() storage.Repositories {
	return storage.Repositories{
		Workflows:   &workflowRepo{s},
		Tasks:       &taskRepo{s},
		Audits:      &auditRepo{s},
		Sessions:    &sessionRepo{s},
		Budgets:     &budgetRepo{s},
		Checkpoints: &checkpointRepo{s},
	}
}

// EventBus returns the in-process live-subscription bus for this store.
func (s *Store) EventBus() storage.EventBus { return s.bus }

// writeJSON atomically writes v to path: write to a temp file in the
// same directory, then rename, so a crash mid-write never leaves a
// truncated record for a reader to trip over.
func (s *Store) writeJSON(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// readJSON reads and unmarshals path into v. A corrupted file is logged
// and treated as ErrNotFound rather than crashing the caller: a bad
// record is skipped and logged, not fatal.
func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("skipping corrupted record", "path", path, "error", err)
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func applyPage[T any](items []T, page storage.Page, less func(a, b T) bool) []T {
	sort.SliceStable(items, func(i, j int) bool {
		if page.Desc {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
	if page.Offset > 0 {
		if page.Offset >= len(items) {
			return nil
		}
		items = items[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}

var _ = context.Background
