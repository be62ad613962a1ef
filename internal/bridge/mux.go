// Package bridge delivers operation events to the subscriber that owns the
// matching operation ID. It is the only path events take from the streaming
// core to the UI, and it guarantees no cross-talk between concurrent
// operations.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/modeldeck/modeldeck/internal/ops"
)

// subscriberBuffer bounds how many undelivered events a subscriber may
// accumulate before new ones are dropped.
const subscriberBuffer = 256

// Mux routes events by operation ID. Events for an unknown or already
// closed ID are dropped with a log line rather than raising; that is the
// acceptable failure mode for a race between cancellation and a final
// in-flight event.
type Mux struct {
	mu     sync.Mutex
	subs   map[string]chan ops.Event
	logger *slog.Logger
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{
		subs:   make(map[string]chan ops.Event),
		logger: slog.Default(),
	}
}

// Subscribe registers interest in events for one operation ID. It returns
// the event channel and a cancel function that detaches the subscriber.
// The channel is closed after the operation's terminal event is delivered,
// or when cancel is called. At most one subscriber per ID; a second
// Subscribe for the same ID replaces the first and closes its channel.
func (m *Mux) Subscribe(id string) (<-chan ops.Event, func()) {
	ch := make(chan ops.Event, subscriberBuffer)

	m.mu.Lock()
	if old, ok := m.subs[id]; ok {
		close(old)
	}
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == ch {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to the subscriber of ev.OperationID, if any. Delivery
// for a single operation preserves publish order. After a terminal event
// the subscription is closed and removed. A full subscriber buffer drops
// non-terminal events with a warning instead of blocking the producer; a
// terminal event is always delivered, shedding the oldest undelivered
// events if it must.
//
// Sends and closes both happen under mu. Concurrent publishers for the
// same ID (the pump racing a cancellation) therefore cannot send on a
// channel the other has already closed.
func (m *Mux) Publish(ev ops.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.subs[ev.OperationID]
	if !ok {
		m.logger.Debug("dropping event for unknown operation",
			"operation_id", ev.OperationID, "type", ev.Type)
		return
	}

	if !ev.Terminal() {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("subscriber buffer full, dropping event",
				"operation_id", ev.OperationID, "type", ev.Type)
		}
		return
	}

	delete(m.subs, ev.OperationID)
	for {
		select {
		case ch <- ev:
			close(ch)
			return
		default:
		}
		// Holding mu makes this the only sender, so freeing one slot is
		// enough for the next send attempt to succeed.
		select {
		case <-ch:
			m.logger.Warn("subscriber buffer full, shedding oldest event",
				"operation_id", ev.OperationID, "type", ev.Type)
		default:
		}
	}
}
