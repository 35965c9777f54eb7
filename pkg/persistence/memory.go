package persistence

import (
	"context"
	"sync"
)

// MemoryStore keeps document state in memory. Nothing survives the
// process; use it for tests or to share state between servers in one
// process.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Fetch returns a copy of the stored state.
func (m *MemoryStore) Fetch(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	state, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

// Store saves a copy of state.
func (m *MemoryStore) Store(_ context.Context, name string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.docs[name] = append([]byte(nil), state...)
	return nil
}

// Delete removes a document.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.docs, name)
	return nil
}

// Close drops all state.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.docs = nil
	return nil
}

// Count returns the number of stored documents.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
