package earnings

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// MemoryStore is an in-memory FareStore for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	fares map[string]*TripFare
}

// NewMemoryStore creates an empty fare store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fares: make(map[string]*TripFare)}
}

func (m *MemoryStore) Record(_ context.Context, f *TripFare) (*TripFare, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.fares[f.TripID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *f
	m.fares[f.TripID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Get(_ context.Context, tripID string) (*TripFare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fares[tripID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "no fare recorded for trip %s", tripID)
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string, limit int) ([]*TripFare, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TripFare
	for _, f := range m.fares {
		if f.DriverID == driverID {
			cp := *f
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CompletedAt.Equal(result[j].CompletedAt) {
			return result[i].TripID > result[j].TripID
		}
		return result[i].CompletedAt.After(result[j].CompletedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
