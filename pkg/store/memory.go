package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps everything in process memory. It is durable only for the lifetime of
// the process and is meant for tests and ephemeral clients.
type MemoryStore struct {
	mu        sync.RWMutex
	cache     []byte
	overrides map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: map[string]string{}}
}

func (m *MemoryStore) ReadCache(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return nil, ErrNotFound
	}
	return slices.Clone(m.cache), nil
}

func (m *MemoryStore) WriteCache(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = slices.Clone(data)
	return nil
}

func (m *MemoryStore) ReadOverrides(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.overrides), nil
}

func (m *MemoryStore) WriteOverride(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key] = value
	return nil
}

func (m *MemoryStore) DeleteOverride(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
