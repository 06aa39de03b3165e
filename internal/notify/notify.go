// Package notify tells wallet owners about settlement events.
//
// Delivery is somebody else's problem: the settlement services hand an
// Event to a Notifier and move on. A notifier must never block a money
// movement or report failure back into it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a settlement event.
type EventType string

const (
	EventTripCredited        EventType = "trip.credited"
	EventIncentiveCredited   EventType = "incentive.credited"
	EventPayoutInitiated     EventType = "payout.initiated"
	EventPayoutPaid          EventType = "payout.paid"
	EventPayoutFailed        EventType = "payout.failed"
	EventPayoutReversed      EventType = "payout.reversed"
	EventRefundApproved      EventType = "refund.approved"
	EventRefundRejected      EventType = "refund.rejected"
	EventRefundProcessed     EventType = "refund.processed"
	EventRefundReversed      EventType = "refund.reversed"
	EventChargebackLost      EventType = "chargeback.lost"
	EventReconciliationAlert EventType = "reconciliation.manual_review"
)

// Event is a single notification.
type Event struct {
	Type      EventType      `json:"type"`
	OwnerID   string         `json:"ownerId"`
	EntityID  string         `json:"entityId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at INFO.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	n.logger.InfoContext(ctx, "notification",
		"type", e.Type,
		"owner_id", e.OwnerID,
		"entity_id", e.EntityID,
		"data", e.Data,
	)
}

// Memory keeps events in order. Used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory notifier.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Notify(_ context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

// Events returns a copy of everything delivered so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the delivered event types in order.
func (m *Memory) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
