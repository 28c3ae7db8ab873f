package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/imagine-orchestrator/internal/storage"
)

var keyReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// StateStore keeps each state document in its own JSON file.
type StateStore struct {
	dir string
}

// NewStateStore creates the directory when needed.
func NewStateStore(cfg Config) (*StateStore, error) {
	if err := ensureWritableDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &StateStore{dir: cfg.BaseDir}, nil
}

func (s *StateStore) path(key string) (string, error) {
	return resolve(s.dir, keyReplacer.Replace(key)+".json")
}

// Load reads the document for key.
func (s *StateStore) Load(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is resolved beneath the configured directory.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

// Save replaces the document for key atomically.
func (s *StateStore) Save(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// Delete removes the document for key.
func (s *StateStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
