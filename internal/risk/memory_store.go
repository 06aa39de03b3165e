package risk

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of ProfileStore for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // ownerID → profile
}

// NewMemoryStore creates an in-memory risk profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
	}
}

func (s *MemoryStore) Get(_ context.Context, ownerID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.profiles[p.OwnerID] = &cp
	return nil
}

func (s *MemoryStore) ListByLevel(_ context.Context, level Level, limit int) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Profile
	for _, p := range s.profiles {
		if p.Level == level {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
