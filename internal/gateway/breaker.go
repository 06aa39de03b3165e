package gateway

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one gateway operation.
type BreakerState int

const (
	StateClosed   BreakerState = iota // Normal: calls flow through
	StateOpen                         // Tripped: calls are rejected
	StateHalfOpen                     // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type breakerEntry struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// Breaker is a per-operation circuit breaker. Only unknown outcomes count
// as failures; a decline is a healthy gateway saying no.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*breakerEntry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*breakerEntry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call for op may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and lets exactly one probe through.
func (b *Breaker) Allow(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[op]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.cooldown {
			b.transition(e, op, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes a half-open circuit and resets the failure count.
func (b *Breaker) RecordSuccess(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[op]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, op, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed probe reopens immediately.
func (b *Breaker) RecordFailure(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[op]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		b.entries[op] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, op, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, op, StateOpen)
	}
}

// State returns the state for op. Unknown operations are closed.
func (b *Breaker) State(op string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[op]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *breakerEntry, op string, to BreakerState) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	breakerTransitions.WithLabelValues(op, from.String(), to.String()).Inc()
}
