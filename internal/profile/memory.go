package profile

import (
	"context"
	"sync"
)

// MemRepository is an in-memory Repository used in tests and by deployments
// that run without PostgreSQL.
type MemRepository struct {
	mu       sync.RWMutex
	profiles map[int64]*Profile
}

// NewMemRepository creates an empty in-memory repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{profiles: make(map[int64]*Profile)}
}

// Put stores or replaces a profile.
func (m *MemRepository) Put(p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

// GetByID returns the profile matching the given ID.
func (m *MemRepository) GetByID(_ context.Context, id int64) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}
