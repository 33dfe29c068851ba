package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SnapshotStore persists named JSON snapshots under a base directory. Writes
// go through a temporary file followed by an atomic rename so a crash never
// leaves a half-written snapshot behind.
type SnapshotStore struct {
	basePath string
	mu       sync.Mutex
}

func NewSnapshotStore(basePath string) (*SnapshotStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotStore{basePath: basePath}, nil
}

func (s *SnapshotStore) path(name string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s.json", name))
}

// Save marshals v and replaces the named snapshot.
func (s *SnapshotStore) Save(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot %s: %w", name, err)
	}

	path := s.path(name)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save snapshot file: %w", err)
	}

	return nil
}

// Load unmarshals the named snapshot into v. It reports found=false when no
// snapshot exists, which is not an error.
func (s *SnapshotStore) Load(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal snapshot %s: %w", name, err)
	}
	return true, nil
}
