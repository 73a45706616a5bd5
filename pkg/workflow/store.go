package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store persists install state between runs.
type Store interface {
	// Load returns the persisted state, or (nil, nil) when none exists.
	Load() (*InstallState, error)

	// Save persists state durably. A crash mid-save must leave either
	// the previous state or the new one, never a torn file.
	Save(state *InstallState) error
}

// FileStore keeps state as pretty-printed JSON at a fixed path. Saves
// are atomic: temp file, fsync, rename, fsync of the directory.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given file path. The
// parent directory is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load() (*InstallState, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}
	var state InstallState
	if err := json.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("state file %s has version %d, want %d", s.path, state.Version, stateVersion)
	}
	return &state, nil
}

// Save implements Store.
func (s *FileStore) Save(state *InstallState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file %s: %w", tmp, err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file %s: %w", s.path, err)
	}

	// Directory fsync is best-effort; some filesystems refuse it.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Remove deletes the state file. Missing files are not an error.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file %s: %w", s.path, err)
	}
	return nil
}

// MemStore keeps state in memory, for tests and for runs that opt out
// of persistence. Safe for concurrent use.
type MemStore struct {
	mu    sync.Mutex
	state *InstallState
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load implements Store.
func (s *MemStore) Load() (*InstallState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	return cloneState(s.state), nil
}

// Save implements Store.
func (s *MemStore) Save(state *InstallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneState(state)
	return nil
}

// cloneState copies state so the store and its callers never share
// slice backing arrays.
func cloneState(state *InstallState) *InstallState {
	clone := *state
	clone.CompletedStages = append([]string{}, state.CompletedStages...)
	clone.VerifiedChecksums = append([]string(nil), state.VerifiedChecksums...)
	clone.FormattedDevices = append([]string(nil), state.FormattedDevices...)
	clone.FlashedDevices = append([]string(nil), state.FlashedDevices...)
	return &clone
}
