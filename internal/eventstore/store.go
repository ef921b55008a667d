// Package eventstore unifies the local store, remote store, cache, and
// recurrence expansion behind the single event API the UI talks to.
//
// Writes are local-first: they land in the durable pending queue and are
// acknowledged immediately; the sync coordinator uploads them when the
// network permits. Reads go through the TTL cache and overlay queued local
// writes so callers always see their own mutations.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/equihub-lab/equihub-core/internal/bus"
	"github.com/equihub-lab/equihub-core/internal/cache"
	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/core/event"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
	"github.com/equihub-lab/equihub-core/internal/core/recurrence"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
	"github.com/equihub-lab/equihub-core/internal/remote"
)

// Store is the engine's event API.
type Store struct {
	kv     kvstore.Store
	remote remote.Store
	cache  *cache.TTLCache
	clk    clock.Clock
	bus    *bus.Bus
	loc    *time.Location

	// mu serializes pending-queue read-modify-write cycles. The queue blob is
	// the only shared local key that needs it.
	mu sync.Mutex
}

// New wires a Store. loc is the display timezone recurrence steps in; nil
// means UTC. The other collaborators are required.
func New(kv kvstore.Store, rs remote.Store, c *cache.TTLCache, clk clock.Clock, b *bus.Bus, loc *time.Location) *Store {
	if kv == nil || rs == nil || c == nil || clk == nil || b == nil {
		panic("eventstore: all collaborators are required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{kv: kv, remote: rs, cache: c, clk: clk, bus: b, loc: loc}
}

// Status summarizes the owner's sync state.
type Status struct {
	Pending    int    `json:"pending"`
	DeadLetter int    `json:"dead_letter"`
	LastError  string `json:"last_error,omitempty"`
}

// ListInWindow returns the owner's events inside [start, end], with repeating
// events expanded into their occurrences. Output is ordered by scheduled
// instant. Completed concrete events stay visible; occurrences derived from a
// completed base are emitted regardless, since they represent separate
// calendar slots.
func (s *Store) ListInWindow(ctx context.Context, owner string, kinds []event.Kind, start, end time.Time) ([]event.Event, error) {
	if owner == "" {
		return nil, coreerr.ErrNotAuthenticated
	}
	if len(kinds) == 0 {
		kinds = event.Kinds
	}

	key := listCacheKey(owner, kinds, start, end)
	v, err := s.cache.Wrap(ctx, key, cache.TTLEvents, func(ctx context.Context) (any, error) {
		return s.fetchWindow(ctx, owner, kinds, start, end)
	})
	if err != nil {
		return nil, err
	}
	return v.([]event.Event), nil
}

// fetchWindow is the cache-miss path: query all of the owner's concrete rows
// for the kinds (anchors may precede the window), overlay queued local
// writes, then expand into the window.
func (s *Store) fetchWindow(ctx context.Context, owner string, kinds []event.Kind, start, end time.Time) ([]event.Event, error) {
	concrete, err := s.remote.Query(ctx, remote.Query{
		Owner:      owner,
		Kinds:      kinds,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range concrete {
		if err := SaveMirror(ctx, s.kv, ev); err != nil {
			slog.Warn("[EventStore] Row mirror write failed", "event_id", ev.ID, "error", err)
			break
		}
	}

	queue, err := s.loadQueueLocked(ctx, owner)
	if err != nil {
		return nil, err
	}
	concrete = overlayPending(concrete, queue, kinds)

	w := recurrence.Window{Start: start, End: end}
	var out []event.Event
	for _, ev := range concrete {
		out = append(out, recurrence.Expand(ev, w, s.loc)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

// overlayPending applies the queued local writes onto the remote rows:
// queued deletes hide rows, queued updates patch them, queued inserts append.
func overlayPending(concrete []event.Event, queue []event.PendingWrite, kinds []event.Kind) []event.Event {
	if len(queue) == 0 {
		return concrete
	}

	kindSet := make(map[event.Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	byID := make(map[string]int, len(concrete))
	for i, ev := range concrete {
		byID[ev.ID] = i
	}

	deleted := make(map[string]bool)
	for _, pw := range queue {
		switch pw.Op {
		case event.OpDelete:
			deleted[pw.LocalID] = true
		case event.OpUpdate:
			if i, ok := byID[pw.LocalID]; ok && pw.Patch != nil {
				pw.Patch.Apply(&concrete[i])
			}
		}
	}

	var out []event.Event
	for _, ev := range concrete {
		if !deleted[ev.ID] {
			out = append(out, ev)
		}
	}
	for _, pw := range queue {
		if pw.Op == event.OpInsert && pw.Event != nil && kindSet[pw.Event.Kind] && !deleted[pw.LocalID] {
			out = append(out, *pw.Event)
		}
	}
	return out
}

// Create accepts a draft, stamps it with a local pending id, queues the
// upload, and acknowledges immediately.
func (s *Store) Create(ctx context.Context, owner string, draft event.Event) (event.Event, error) {
	if owner == "" {
		return event.Event{}, coreerr.ErrNotAuthenticated
	}
	draft.Owner = owner
	draft.Virtual = false
	draft.Version = 0
	if err := draft.Validate(); err != nil {
		return event.Event{}, fmt.Errorf("invalid draft: %w", err)
	}

	draft.ID = event.NewPendingID()
	ev := draft.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rememberOwner(ctx, owner)
	queue, err := LoadQueue(ctx, s.kv, owner)
	if err != nil {
		return event.Event{}, err
	}
	queue = append(queue, event.PendingWrite{
		LocalID:    ev.ID,
		Op:         event.OpInsert,
		Event:      &ev,
		EnqueuedAt: s.clk.Now(),
	})
	if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
		return event.Event{}, err
	}

	s.invalidateOwner(owner)
	s.bus.Publish(bus.Change{Op: bus.OpCreated, Event: draft})
	return draft, nil
}

// Update applies a partial edit. Virtual occurrence ids are rewritten to
// their base; edits that would redefine the series through a virtual id are
// rejected since per-occurrence exceptions are not supported.
func (s *Store) Update(ctx context.Context, owner, rawID string, patch event.Patch) (event.Event, error) {
	if owner == "" {
		return event.Event{}, coreerr.ErrNotAuthenticated
	}
	id, err := event.ParseID(rawID)
	if err != nil {
		return event.Event{}, err
	}
	if id.Virtual() && patch.TouchesRecurrence() {
		return event.Event{}, fmt.Errorf(
			"%w: edit the base event %s or split the series", coreerr.ErrUnsupportedEdit, id.Base)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := LoadQueue(ctx, s.kv, owner)
	if err != nil {
		return event.Event{}, err
	}

	// A queued insert is still local: coalesce the patch into it so the
	// record uploads once, already edited.
	if i := queuedInsertIndex(queue, id.Base); i >= 0 {
		patch.Apply(queue[i].Event)
		if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
			return event.Event{}, err
		}
		updated := queue[i].Event.Clone()
		s.invalidateOwner(owner)
		s.bus.Publish(bus.Change{Op: bus.OpUpdated, Event: updated})
		return updated, nil
	}

	current, err := s.lookupForChange(ctx, owner, id.Base)
	if err != nil {
		return event.Event{}, err
	}
	current = applyQueuedPatches(queue, id.Base, current)
	patched := current.Clone()
	patch.Apply(&patched)

	queue = append(queue, event.PendingWrite{
		LocalID:    id.Base,
		Op:         event.OpUpdate,
		Patch:      &patch,
		EnqueuedAt: s.clk.Now(),
	})
	if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
		return event.Event{}, err
	}

	s.invalidateOwner(owner)
	s.bus.Publish(bus.Change{Op: bus.OpUpdated, Event: patched})
	return patched, nil
}

// Delete removes an event. A virtual id deletes the base, and with it every
// future occurrence: the engine offers no per-occurrence suppression.
// Notification cancellation runs before the delete is acknowledged.
func (s *Store) Delete(ctx context.Context, owner, rawID string) error {
	if owner == "" {
		return coreerr.ErrNotAuthenticated
	}
	id, err := event.ParseID(rawID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := LoadQueue(ctx, s.kv, owner)
	if err != nil {
		return err
	}

	// Deleting a record that never synced cancels its queued writes outright.
	if i := queuedInsertIndex(queue, id.Base); i >= 0 {
		removed := queue[i].Event.Clone()
		queue = removeWritesFor(queue, id.Base)
		if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
			return err
		}
		s.invalidateOwner(owner)
		s.bus.Publish(bus.Change{Op: bus.OpDeleted, Event: removed})
		return nil
	}

	current, err := s.lookupForChange(ctx, owner, id.Base)
	if err != nil {
		return err
	}
	current = applyQueuedPatches(queue, id.Base, current)
	queue = append(queue, event.PendingWrite{
		LocalID:    id.Base,
		Op:         event.OpDelete,
		EnqueuedAt: s.clk.Now(),
	})
	if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
		return err
	}

	s.invalidateOwner(owner)
	s.bus.Publish(bus.Change{Op: bus.OpDeleted, Event: current})
	return nil
}

// MarkCompleted records completion. A virtual id completes its base: the
// base's completed_at is set, yet later occurrences stay visible. Completion
// is not cancellation of the rest of the series.
func (s *Store) MarkCompleted(ctx context.Context, owner, rawID, linkedRecordID string) (event.Event, error) {
	if owner == "" {
		return event.Event{}, coreerr.ErrNotAuthenticated
	}
	id, err := event.ParseID(rawID)
	if err != nil {
		return event.Event{}, err
	}

	now := s.clk.Now()
	patch := event.Patch{CompletedAt: &now}
	if linkedRecordID != "" {
		patch.LinkedRecordID = &linkedRecordID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := LoadQueue(ctx, s.kv, owner)
	if err != nil {
		return event.Event{}, err
	}

	if i := queuedInsertIndex(queue, id.Base); i >= 0 {
		patch.Apply(queue[i].Event)
		if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
			return event.Event{}, err
		}
		done := queue[i].Event.Clone()
		s.invalidateOwner(owner)
		s.bus.Publish(bus.Change{Op: bus.OpCompleted, Event: done})
		return done, nil
	}

	current, err := s.lookupForChange(ctx, owner, id.Base)
	if err != nil {
		return event.Event{}, err
	}
	current = applyQueuedPatches(queue, id.Base, current)
	done := current.Clone()
	patch.Apply(&done)

	queue = append(queue, event.PendingWrite{
		LocalID:    id.Base,
		Op:         event.OpUpdate,
		Patch:      &patch,
		EnqueuedAt: now,
	})
	if err := SaveQueue(ctx, s.kv, owner, queue); err != nil {
		return event.Event{}, err
	}

	s.invalidateOwner(owner)
	s.bus.Publish(bus.Change{Op: bus.OpCompleted, Event: done})
	return done, nil
}

// SyncStatus reports queue depths for the owner.
func (s *Store) SyncStatus(ctx context.Context, owner string) (Status, error) {
	if owner == "" {
		return Status{}, coreerr.ErrNotAuthenticated
	}

	queue, err := LoadQueue(ctx, s.kv, owner)
	if err != nil {
		return Status{}, err
	}
	sink, err := LoadDeadLetter(ctx, s.kv, owner)
	if err != nil {
		return Status{}, err
	}

	st := Status{Pending: len(queue), DeadLetter: len(sink)}
	for _, pw := range queue {
		if pw.LastError != "" {
			st.LastError = pw.LastError
		}
	}
	for _, pw := range sink {
		if pw.LastError != "" {
			st.LastError = pw.LastError
		}
	}
	return st, nil
}

// InvalidateCache removes cached reads matching the pattern.
func (s *Store) InvalidateCache(pattern string) error {
	return s.cache.InvalidatePattern(pattern)
}

// rememberOwner marks the owner as known to this device so the daily
// notification rebuild can enumerate owners. Best effort.
func (s *Store) rememberOwner(ctx context.Context, owner string) {
	if err := s.kv.Put(ctx, kvstore.OwnerKey(owner), []byte("1")); err != nil {
		slog.Warn("[EventStore] Recording owner failed", "owner", owner, "error", err)
	}
}

// loadQueueLocked guards queue reads on the read path.
func (s *Store) loadQueueLocked(ctx context.Context, owner string) ([]event.PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoadQueue(ctx, s.kv, owner)
}

// MutatePending runs fn against the owner's pending queue under the store's
// lock and persists the queue fn returns. The sync coordinator routes its
// queue edits through here: with every read-modify-write cycle behind one
// lock, a drain can never overwrite a write queued while an upload was in
// flight.
func (s *Store) MutatePending(ctx context.Context, owner string, fn func([]event.PendingWrite) ([]event.PendingWrite, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := LoadQueue(ctx, s.kv, owner)
	if err != nil {
		return err
	}
	next, err := fn(queue)
	if err != nil {
		return err
	}
	return SaveQueue(ctx, s.kv, owner, next)
}

// lookupForChange fetches the current row to enrich a published change. Ids
// the owner does not hold are rejected like unknown ones. A transient failure
// (typically offline) falls back to the locally mirrored row, and to a bare
// skeleton when no mirror exists, so a flaky link never blocks a local-first
// write.
func (s *Store) lookupForChange(ctx context.Context, owner, id string) (event.Event, error) {
	ev, err := s.remote.Get(ctx, id)
	if errors.Is(err, coreerr.ErrNotFound) {
		return event.Event{}, fmt.Errorf("%w: unknown event %s", coreerr.ErrInvalidID, id)
	}
	if err != nil {
		if mirror, ok, mErr := LoadMirror(ctx, s.kv, id); mErr == nil && ok {
			if mirror.Owner != owner {
				return event.Event{}, fmt.Errorf("%w: unknown event %s", coreerr.ErrInvalidID, id)
			}
			return mirror, nil
		}
		slog.Warn("[EventStore] Remote lookup failed, publishing skeleton change",
			"event_id", id, "error", err)
		return event.Event{ID: id, Owner: owner}, nil
	}
	if ev.Owner != owner {
		return event.Event{}, fmt.Errorf("%w: unknown event %s", coreerr.ErrInvalidID, id)
	}
	if err := SaveMirror(ctx, s.kv, ev); err != nil {
		slog.Warn("[EventStore] Row mirror write failed", "event_id", id, "error", err)
	}
	return ev, nil
}

func (s *Store) invalidateOwner(owner string) {
	pattern := "^events:" + regexp.QuoteMeta(owner) + ":"
	if err := s.cache.InvalidatePattern(pattern); err != nil {
		slog.Warn("[EventStore] Cache invalidation failed", "owner", owner, "error", err)
	}
}

// applyQueuedPatches overlays the queued unsynced edits for the id, so a
// change built while offline reflects earlier offline edits too.
func applyQueuedPatches(queue []event.PendingWrite, id string, ev event.Event) event.Event {
	for _, pw := range queue {
		if pw.Op == event.OpUpdate && pw.LocalID == id && pw.Patch != nil {
			pw.Patch.Apply(&ev)
		}
	}
	return ev
}

func queuedInsertIndex(queue []event.PendingWrite, id string) int {
	for i, pw := range queue {
		if pw.Op == event.OpInsert && pw.LocalID == id {
			return i
		}
	}
	return -1
}

func removeWritesFor(queue []event.PendingWrite, id string) []event.PendingWrite {
	out := queue[:0]
	for _, pw := range queue {
		if pw.LocalID != id {
			out = append(out, pw)
		}
	}
	return out
}

func listCacheKey(owner string, kinds []event.Kind, start, end time.Time) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return strings.Join([]string{
		"events", owner,
		clock.FormatISO(start), clock.FormatISO(end),
		strings.Join(names, ","),
	}, ":")
}
