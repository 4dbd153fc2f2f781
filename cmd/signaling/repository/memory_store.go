package repository

import (
	"context"
	"sync"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/models"
)

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.PairSession
	clock    clock.Clock
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.PairSession),
		clock:    clk,
	}
}

// Insert stores s unless a live session holds the code
func (m *MemoryStore) Insert(ctx context.Context, s *models.PairSession) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[s.Code]; ok && !existing.Expired(m.clock.Now()) {
		return false, nil
	}

	cp := *s
	m.sessions[s.Code] = &cp
	return true, nil
}

// Get returns a copy of the session for code
func (m *MemoryStore) Get(ctx context.Context, code string) (*models.PairSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[code]
	if !ok {
		return nil, apperr.ErrPairNotFound
	}
	cp := *s
	return &cp, nil
}

// Delete removes code
func (m *MemoryStore) Delete(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[code]
	delete(m.sessions, code)
	return ok, nil
}

// Count returns the number of stored sessions
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Codes lists stored codes
func (m *MemoryStore) Codes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]string, 0, len(m.sessions))
	for code := range m.sessions {
		codes = append(codes, code)
	}
	return codes, nil
}
