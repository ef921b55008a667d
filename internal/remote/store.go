// Package remote is the gateway to the hosted row store holding concrete
// events. The engine only assumes row-level insert/update/delete plus queries
// by equality and range on the columns it defines; failures are classified as
// transient (retry) or permanent (surface).
package remote

import (
	"context"
	"time"

	"github.com/equihub-lab/equihub-core/internal/core/event"
)

// Query is a conjunction of equality and range predicates on event columns.
type Query struct {
	Owner string
	Kinds []event.Kind

	// From/To bound scheduled_at when set.
	From *time.Time
	To   *time.Time

	// ActiveOnly hides soft-deleted rows.
	ActiveOnly bool

	Limit int
}

// Store is the remote table gateway.
type Store interface {
	// Insert persists ev and returns it stamped with the server-assigned id
	// and initial version.
	Insert(ctx context.Context, ev event.Event) (event.Event, error)

	// Update replaces the row, checking ev.Version against the stored one.
	// Returns ErrConflict on a version mismatch, ErrNotFound for unknown ids.
	Update(ctx context.Context, ev event.Event) (event.Event, error)

	// Delete soft-deletes the row so it stops matching active queries.
	Delete(ctx context.Context, id string) error

	// Get fetches a single row by id.
	Get(ctx context.Context, id string) (event.Event, error)

	// Query returns rows matching q, ordered by scheduled_at ascending.
	Query(ctx context.Context, q Query) ([]event.Event, error)
}
