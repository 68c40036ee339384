package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and ephemeral deployments.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context, docID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(snapshot))
	copy(out, snapshot)
	return out, nil
}

func (m *Memory) Save(ctx context.Context, docID string, snapshot []byte) error {
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = cp
	return nil
}

func (m *Memory) Delete(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}
