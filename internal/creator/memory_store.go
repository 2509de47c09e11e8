package creator

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory profile store for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Get(_ context.Context, creatorID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[creatorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Wallet != "" {
		for id, other := range m.profiles {
			if id != p.CreatorID && other.Wallet == p.Wallet {
				return ErrWalletTaken
			}
		}
	}
	cp := *p
	m.profiles[p.CreatorID] = &cp
	return nil
}
