package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/pagination"
)

// MemoryStore is an in-memory reconciliation store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty reconciliation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "reconciliation %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Record, 0)
	for _, r := range m.records {
		if f.TripID != "" && r.TripID != f.TripID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.Cursor.Admits(r.CreatedAt, r.ID) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, mutate func(*Record)) (*Record, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "reconciliation cannot move from %s to %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "reconciliation %s not found", id)
	}
	if r.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "reconciliation %s is %s, expected %s", id, r.Status, from)
	}
	next := *r
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.Status, next.UpdatedAt = id, to, time.Now().UTC()
	m.records[id] = &next
	out := next
	return &out, nil
}
