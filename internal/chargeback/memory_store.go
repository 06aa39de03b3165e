package chargeback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/pagination"
)

// MemoryStore is an in-memory chargeback store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Chargeback
	byRef map[string]string
}

// NewMemoryStore creates an empty chargeback store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Chargeback), byRef: make(map[string]string)}
}

func refKey(provider, reference string) string {
	return provider + "\x00" + reference
}

func (m *MemoryStore) Create(_ context.Context, cb *Chargeback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey(cb.PaymentProvider, cb.ExternalReference)
	if existing, ok := m.byRef[key]; ok {
		return apperr.Newf(apperr.CodeDuplicateReference,
			"%s reference %s already reported as %s", cb.PaymentProvider, cb.ExternalReference, existing)
	}
	cp := *cb
	m.byID[cb.ID] = &cp
	m.byRef[key] = cb.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Chargeback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "chargeback %s not found", id)
	}
	cp := *cb
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Chargeback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Chargeback, 0)
	for _, cb := range m.byID {
		if f.TripID != "" && cb.TripID != f.TripID {
			continue
		}
		if f.Status != "" && cb.Status != f.Status {
			continue
		}
		if !f.Cursor.Admits(cb.ReportedAt, cb.ID) {
			continue
		}
		cp := *cb
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].ReportedAt, result[i].ID, result[j].ReportedAt, result[j].ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, mutate func(*Chargeback)) (*Chargeback, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "chargeback cannot move from %s to %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "chargeback %s not found", id)
	}
	if cb.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s is %s, expected %s", id, cb.Status, from)
	}
	next := *cb
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.Status, next.UpdatedAt = id, to, time.Now().UTC()
	m.byID[id] = &next
	out := next
	return &out, nil
}
