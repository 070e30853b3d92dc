package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// SnapshotStore keeps archived page bodies in memory and hands out
// memory:// URIs.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{data: make(map[string][]byte)}
}

// PutObject stores a copy of the reader's content under path.
func (s *SnapshotStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	s.mu.Lock()
	s.data[path] = buf.Bytes()
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns the stored bytes for path.
func (s *SnapshotStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return b, ok
}
