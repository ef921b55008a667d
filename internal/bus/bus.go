// Package bus is the in-process change feed the event store publishes to and
// the notification scheduler subscribes to. It exists to keep those two from
// referencing each other directly.
package bus

import (
	"sync"

	"github.com/equihub-lab/equihub-core/internal/core/event"
)

// ChangeOp identifies what happened to an event.
type ChangeOp string

const (
	OpCreated   ChangeOp = "created"
	OpUpdated   ChangeOp = "updated"
	OpCompleted ChangeOp = "completed"
	OpDeleted   ChangeOp = "deleted"

	// OpSynced fires when a pending insert reaches the remote store and the
	// event's id is rewritten from the local sentinel to the server id.
	OpSynced ChangeOp = "synced"
)

// Change describes one event mutation.
type Change struct {
	Op    ChangeOp
	Event event.Event

	// PrevID carries the pre-sync sentinel id on OpSynced.
	PrevID string
}

// Bus fans changes out to subscribers synchronously, in subscription order.
// Publish returns only after every subscriber has run, which is what lets
// notification cancellation complete before a delete is acknowledged.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Change)
}

// New returns a bus with no subscribers.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn for all future changes.
func (b *Bus) Subscribe(fn func(Change)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers c to every subscriber.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	subs := make([]func(Change), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(c)
	}
}
