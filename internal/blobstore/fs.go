package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// fsStore writes blobs as JSON files under a data directory
type fsStore struct {
	dir string
}

// NewFSStore creates a filesystem blob store rooted at dir, creating
// the directory if needed.
func NewFSStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &fsStore{dir: dir}, nil
}

func (s *fsStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *fsStore) Put(_ context.Context, key string, data []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

func (s *fsStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *fsStore) Close() error { return nil }
