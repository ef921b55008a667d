package event

import "time"

// Op is the kind of a queued local-first mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PendingWrite is a local-first mutation awaiting upload. The per-owner queue
// is persisted as a single JSON array in the local store and drained in FIFO
// order by the sync coordinator.
type PendingWrite struct {
	// LocalID is the id the write targets: a pending sentinel for inserts,
	// a server id for updates and deletes of already-synced rows.
	LocalID string `json:"local_id"`

	Op Op `json:"op"`

	// Event is the full payload for inserts.
	Event *Event `json:"event,omitempty"`

	// Patch is the delta for updates; kept as a delta so a conflict retry can
	// re-apply it onto the latest row.
	Patch *Patch `json:"patch,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}
