package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Store persists kill switch state. Lock serialises read-modify-write cycles
// across processes sharing the same state.
type Store interface {
	Load() (State, error)
	Save(State) error
	Lock() (unlock func(), err error)
}

// FileStore keeps state in a JSON file, replaced atomically on every save.
type FileStore struct {
	path        string
	lock        bool
	lockTimeout time.Duration
}

func NewFileStore(path string, lock bool) *FileStore {
	return &FileStore{path: path, lock: lock, lockTimeout: 5 * time.Second}
}

func (s *FileStore) Path() string { return s.path }

// Load returns ErrStateNotFound when nothing has been persisted yet.
func (s *FileStore) Load() (State, error) {
	var st State
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, ErrStateNotFound
	}
	if err != nil {
		return st, fmt.Errorf("failed to read kill switch state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse kill switch state %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes to a temp file in the same directory, fsyncs it and renames it
// over the canonical path, then fsyncs the directory so the rename survives a
// crash.
func (s *FileStore) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal kill switch state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".killswitch-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tempPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tempPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Lock takes an exclusive advisory lock on <path>.lock. With locking disabled
// it returns a no-op.
func (s *FileStore) Lock() (func(), error) {
	if !s.lock {
		return func() {}, nil
	}
	return lockFile(s.path+".lock", s.lockTimeout)
}
