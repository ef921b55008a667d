package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/equihub-lab/equihub-core/internal/core/event"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
)

// Fake is an in-memory Store for tests. It mimics the adapter's observable
// behavior: server-assigned ids, version bumps, optimistic-lock conflicts,
// soft deletes, and injectable failures.
type Fake struct {
	mu     sync.Mutex
	rows   map[string]event.Event
	active map[string]bool

	// Err, when set, fails the next calls until cleared.
	Err error

	Inserts int
	Updates int
	Deletes int
}

// NewFake returns an empty fake store.
func NewFake() *Fake {
	return &Fake{
		rows:   make(map[string]event.Event),
		active: make(map[string]bool),
	}
}

// FailWith makes subsequent calls return err; pass nil to heal.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *Fake) Insert(_ context.Context, ev event.Event) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return event.Event{}, f.Err
	}
	f.Inserts++
	ev.ID = uuid.NewString()
	ev.Version = 1
	f.rows[ev.ID] = ev.Clone()
	f.active[ev.ID] = true
	return ev, nil
}

func (f *Fake) Update(_ context.Context, ev event.Event) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return event.Event{}, f.Err
	}
	cur, ok := f.rows[ev.ID]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: event %s", coreerr.ErrNotFound, ev.ID)
	}
	if cur.Version != ev.Version {
		return event.Event{}, fmt.Errorf("%w: event %s is at version %d", coreerr.ErrConflict, ev.ID, cur.Version)
	}
	f.Updates++
	ev.Version++
	f.rows[ev.ID] = ev.Clone()
	return ev, nil
}

func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if !f.active[id] {
		return fmt.Errorf("%w: event %s", coreerr.ErrNotFound, id)
	}
	f.Deletes++
	f.active[id] = false
	return nil
}

func (f *Fake) Get(_ context.Context, id string) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return event.Event{}, f.Err
	}
	ev, ok := f.rows[id]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: event %s", coreerr.ErrNotFound, id)
	}
	return ev.Clone(), nil
}

func (f *Fake) Query(_ context.Context, q Query) ([]event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	kindSet := make(map[event.Kind]bool, len(q.Kinds))
	for _, k := range q.Kinds {
		kindSet[k] = true
	}

	var out []event.Event
	for id, ev := range f.rows {
		if ev.Owner != q.Owner {
			continue
		}
		if len(kindSet) > 0 && !kindSet[ev.Kind] {
			continue
		}
		if q.ActiveOnly && !f.active[id] {
			continue
		}
		if q.From != nil && ev.ScheduledAt.Before(*q.From) {
			continue
		}
		if q.To != nil && ev.ScheduledAt.After(*q.To) {
			continue
		}
		out = append(out, ev.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Row returns the stored row, for assertions.
func (f *Fake) Row(id string) (event.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.rows[id]
	return ev, ok
}

// Active reports whether the row is live (not soft-deleted).
func (f *Fake) Active(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

// Len counts stored rows.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}
