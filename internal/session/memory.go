package session

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in a map. Get returns a shallow copy of the
// stored row.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]PreviewSession
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]PreviewSession{}}
}

// Put inserts or replaces a session.
func (m *MemoryStore) Put(s PreviewSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.PreviewSessionID] = s
}

// Update applies fn to the stored session under the lock.
func (m *MemoryStore) Update(id string, fn func(*PreviewSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(&s)
	m.sessions[id] = s
	return nil
}

// Get returns a copy of the session.
func (m *MemoryStore) Get(_ context.Context, id string) (*PreviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// SetState changes the session state.
func (m *MemoryStore) SetState(_ context.Context, id string, state State) error {
	return m.Update(id, func(s *PreviewSession) { s.State = state })
}
