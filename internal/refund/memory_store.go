package refund

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/pagination"
)

// MemoryStore is an in-memory refund store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	refunds map[string]*Refund
}

// NewMemoryStore creates an empty refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refunds: make(map[string]*Refund)}
}

func (m *MemoryStore) Create(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[r.ID]; ok {
		return apperr.Newf(apperr.CodeAlreadyProcessed, "refund %s already exists", r.ID)
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "refund %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Refund, 0)
	for _, r := range m.refunds {
		switch {
		case f.TripID != "" && r.TripID != f.TripID,
			f.RiderID != "" && r.RiderID != f.RiderID,
			f.Status != "" && r.Status != f.Status,
			!f.Cursor.Admits(r.CreatedAt, r.ID):
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

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, mutate func(*Refund)) (*Refund, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "refund cannot move from %s to %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.refunds[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "refund %s not found", id)
	}
	if current.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "refund %s is %s, expected %s", id, current.Status, from)
	}
	next := *current
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.Status, next.UpdatedAt = id, to, time.Now().UTC()
	m.refunds[id] = &next
	out := next
	return &out, nil
}
