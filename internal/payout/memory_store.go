package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/pagination"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	payouts map[string]*Payout
}

// NewMemoryStore creates an empty payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payouts: make(map[string]*Payout)}
}

func clonePayout(p *Payout) *Payout {
	cp := *p
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[p.ID]; ok {
		return apperr.Newf(apperr.CodeAlreadyProcessed, "payout %s already exists", p.ID)
	}
	m.payouts[p.ID] = clonePayout(p)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "payout %s not found", id)
	}
	return clonePayout(p), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if f.WalletID != "" && p.WalletID != f.WalletID {
			continue
		}
		if f.OwnerID != "" && p.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if !f.Cursor.Admits(p.CreatedAt, p.ID) {
			continue
		}
		result = append(result, clonePayout(p))
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, mutate func(*Payout)) (*Payout, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "payout cannot move from %s to %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payouts[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "payout %s not found", id)
	}
	if current.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "payout %s is %s, expected %s", id, current.Status, from)
	}

	next := clonePayout(current)
	if mutate != nil {
		mutate(next)
	}
	next.ID = id
	next.Status = to
	next.UpdatedAt = time.Now().UTC()
	m.payouts[id] = next
	return clonePayout(next), nil
}

func (m *MemoryStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.Status != StatusProcessing || p.ProcessingStartedAt == nil {
			continue
		}
		if p.ProcessingStartedAt.Before(cutoff) {
			result = append(result, clonePayout(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProcessingStartedAt.Before(*result[j].ProcessingStartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
