package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger stores audit entries in memory for development and tests.
type MemoryLogger struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Append(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	cp.Metadata = entry.Metadata.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	entry.ID = cp.ID
	entry.CreatedAt = cp.CreatedAt
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, f Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Newest first
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if !f.matches(e) {
			continue
		}
		cp := *e
		cp.Metadata = e.Metadata.Clone()
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored entries in insertion order (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (f Filter) matches(e *Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.UserID != "" && e.PerformedByUserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
