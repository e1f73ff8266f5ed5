// Package coordinator elects a single writer among the client sessions
// sharing one local store and fans sync events out to the rest.
//
// Browser-style deployments open the same store from several sessions
// ("tabs"). SQLite gives no cross-session mutual exclusion beyond file
// locks, so exactly one session (the leader) performs writes; follower
// sessions keep read-only views and refresh them from broadcast events.
// Leadership is tracked with heartbeats over a shared coordination
// channel and re-elected when the leader dies without unregistering.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a sync event on the bus.
type EventType string

const (
	// EventBlocksChanged signals that block rows changed and cached view
	// state (hierarchy arenas, renders) should be invalidated.
	EventBlocksChanged EventType = "blocks_changed"

	// EventTransactionCompleted signals a queued mutation reached the
	// remote store.
	EventTransactionCompleted EventType = "transaction_completed"

	// EventTransactionFailed signals a queued mutation exhausted its
	// retries. The UI must surface this persistently; data loss risk is
	// real.
	EventTransactionFailed EventType = "transaction_failed"

	// EventSyncStatusChanged signals the engine's aggregate sync status
	// indicator changed.
	EventSyncStatusChanged EventType = "sync_status_changed"

	// EventLeaderChanged signals a leadership transition.
	EventLeaderChanged EventType = "leader_changed"
)

// Event is a typed sync event. Only the fields relevant to the type are
// set.
type Event struct {
	Type          EventType `json:"type"`
	PageID        string    `json:"page_id,omitempty"`
	BlockID       string    `json:"block_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Bus is an in-process publish/subscribe channel for sync events.
//
// Subscribers get buffered channels; a subscriber that falls behind has
// events dropped rather than blocking publishers. Dropped events are
// acceptable because every consumer treats events as invalidation hints,
// not as a source of truth.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel function removes
// the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
