package onboarding

import (
	"context"
	"sync"
)

// MemoryStore is a non-durable Store, used by the console channel and tests.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]struct{})}
}

// Has implements Store.
func (m *MemoryStore) Has(_ context.Context, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[user]
	return ok, nil
}

// Mark implements Store.
func (m *MemoryStore) Mark(_ context.Context, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user]; ok {
		return false, nil
	}
	m.users[user] = struct{}{}
	return true, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
