// Package syncer drains the durable pending-write queues to the remote store.
// It runs on a periodic interval, drains on demand, and holds the retry and
// dead-letter policy for writes the remote keeps rejecting.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/equihub-lab/equihub-core/internal/bus"
	"github.com/equihub-lab/equihub-core/internal/cache"
	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/core/event"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
	"github.com/equihub-lab/equihub-core/internal/eventstore"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
	"github.com/equihub-lab/equihub-core/internal/netprobe"
	"github.com/equihub-lab/equihub-core/internal/remote"
)

// Notifier is the slice of the notification scheduler the coordinator needs
// on teardown.
type Notifier interface {
	CancelAll(ctx context.Context) error
}

// QueueStore mutates pending queues under the event store's own lock. Every
// queue edit the coordinator makes goes through it, so a drain and a write
// landing mid-upload can never overwrite each other's save.
type QueueStore interface {
	MutatePending(ctx context.Context, owner string, fn func([]event.PendingWrite) ([]event.PendingWrite, error)) error
}

// Config tunes the coordinator.
type Config struct {
	// Interval between automatic drains.
	Interval time.Duration

	// MaxRetries before a write moves to the dead-letter sink.
	MaxRetries int

	// CellularBatch caps uploads per drain on a metered link. Wifi drains
	// are unbounded.
	CellularBatch int
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.CellularBatch <= 0 {
		c.CellularBatch = 10
	}
	return c
}

// Coordinator uploads queued local writes in FIFO order per owner.
type Coordinator struct {
	kv       kvstore.Store
	remote   remote.Store
	probe    netprobe.Probe
	cache    *cache.TTLCache
	bus      *bus.Bus
	clk      clock.Clock
	queues   QueueStore
	notifier Notifier
	cfg      Config

	mu sync.Mutex
	// retryAt holds per-owner earliest next attempt after a transient
	// failure. In-memory only: a restart retries immediately, which is fine.
	retryAt map[string]time.Time
}

// New wires a coordinator. notifier may be nil when teardown never cancels
// device notifications.
func New(kv kvstore.Store, rs remote.Store, probe netprobe.Probe, c *cache.TTLCache, b *bus.Bus, clk clock.Clock, queues QueueStore, notifier Notifier, cfg Config) *Coordinator {
	if kv == nil || rs == nil || probe == nil || c == nil || b == nil || clk == nil || queues == nil {
		panic("syncer: all collaborators except notifier are required")
	}
	return &Coordinator{
		kv:       kv,
		remote:   rs,
		probe:    probe,
		cache:    c,
		bus:      b,
		clk:      clk,
		queues:   queues,
		notifier: notifier,
		cfg:      cfg.normalized(),
		retryAt:  make(map[string]time.Time),
	}
}

// Start drains on a ticker until ctx is cancelled, then runs one final drain
// so a clean shutdown does not strand acknowledged writes it could upload.
func (s *Coordinator) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[Syncer] Starting sync coordinator",
		"interval", s.cfg.Interval,
		"max_retries", s.cfg.MaxRetries,
		"cellular_batch", s.cfg.CellularBatch,
	)

	// Initial drain to catch up with writes queued while offline.
	s.Drain(ctx)

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-ctx.Done():
			slog.Info("[Syncer] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Syncer] Running final drain before shutdown...")
			s.Drain(shutdownCtx)
			slog.Info("[Syncer] Final drain complete")

			return nil
		}
	}
}

// Drain uploads queued writes for every owner with a non-empty queue. Each
// write re-checks the link first: the classification can change mid-drain and
// a drop to LinkNone stops the pass immediately.
func (s *Coordinator) Drain(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.kv.ListPrefix(ctx, kvstore.PendingQueuePrefix)
	if err != nil {
		slog.Error("[Syncer] Listing pending queues failed", "error", err)
		return
	}

	for key := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		owner := strings.TrimPrefix(key, kvstore.PendingQueuePrefix)
		if at, ok := s.retryAt[owner]; ok && s.clk.Now().Before(at) {
			continue
		}
		if !s.drainOwner(ctx, owner) {
			// Link gone; later owners would hit the same wall.
			return
		}
	}
}

// drainOwner uploads the owner's queue head-first. The remote call runs
// outside the queue lock; the queue edit that follows goes through the event
// store's lock and targets the uploaded entry by identity, so writes queued
// while the upload was in flight survive. Returns false when the link dropped
// and the whole drain pass should stop.
func (s *Coordinator) drainOwner(ctx context.Context, owner string) bool {
	uploaded := 0
	for {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		queue, err := eventstore.LoadQueue(ctx, s.kv, owner)
		if err != nil {
			slog.Error("[Syncer] Loading pending queue failed", "owner", owner, "error", err)
			return true
		}
		if len(queue) == 0 {
			break
		}

		link := s.probe.Classify()
		if link == netprobe.LinkNone {
			return false
		}
		if link == netprobe.LinkCellular && uploaded >= s.cfg.CellularBatch {
			slog.Info("[Syncer] Cellular batch limit reached, deferring rest",
				"owner", owner, "uploaded", uploaded, "remaining", len(queue))
			break
		}

		pw := queue[0]
		err = s.upload(ctx, owner, pw)
		switch {
		case err == nil:
			uploaded++
			delete(s.retryAt, owner)

		case errors.Is(err, coreerr.ErrPermanent) || pw.Attempts+1 >= s.cfg.MaxRetries:
			pw.Attempts++
			pw.LastError = err.Error()
			slog.Error("[Syncer] Write dead-lettered",
				"owner", owner, "local_id", pw.LocalID, "op", pw.Op,
				"attempts", pw.Attempts, "error", err)
			if dlErr := s.deadLetter(ctx, owner, pw); dlErr != nil {
				slog.Error("[Syncer] Dead-letter append failed", "owner", owner, "error", dlErr)
			}
			s.dropWrite(ctx, owner, pw)

		default:
			// Transient: record the failure on the head and back off the
			// whole owner. FIFO order means nothing behind it may jump ahead.
			attempt := pw.Attempts + 1
			s.recordFailure(ctx, owner, pw, err)
			delay := Delay(attempt - 1)
			s.retryAt[owner] = s.clk.Now().Add(delay)
			slog.Warn("[Syncer] Write failed, backing off",
				"owner", owner, "local_id", pw.LocalID, "op", pw.Op,
				"attempt", attempt, "retry_in", delay, "error", err)
			s.invalidateOwner(owner)
			return true
		}
	}

	if uploaded > 0 {
		s.invalidateOwner(owner)
		slog.Info("[Syncer] Queue drained", "owner", owner, "uploaded", uploaded)
	}
	return true
}

// upload performs one queued write against the remote store and, on success,
// settles the live queue.
func (s *Coordinator) upload(ctx context.Context, owner string, pw event.PendingWrite) error {
	switch pw.Op {
	case event.OpInsert:
		return s.uploadInsert(ctx, owner, pw)

	case event.OpUpdate:
		if err := s.uploadUpdate(ctx, pw); err != nil {
			return err
		}
		s.dropWrite(ctx, owner, pw)
		return nil

	case event.OpDelete:
		err := s.remote.Delete(ctx, pw.LocalID)
		if err != nil && !errors.Is(err, coreerr.ErrNotFound) {
			return err
		}
		// A missing row means the intent is already satisfied.
		if mErr := eventstore.DeleteMirror(ctx, s.kv, pw.LocalID); mErr != nil {
			slog.Warn("[Syncer] Row mirror cleanup failed", "event_id", pw.LocalID, "error", mErr)
		}
		s.dropWrite(ctx, owner, pw)
		return nil

	default:
		return fmt.Errorf("%w: unknown pending op %q", coreerr.ErrPermanent, pw.Op)
	}
}

func (s *Coordinator) uploadInsert(ctx context.Context, owner string, pw event.PendingWrite) error {
	if pw.Event == nil {
		return fmt.Errorf("%w: queued insert without a record", coreerr.ErrPermanent)
	}

	synced, err := s.remote.Insert(ctx, *pw.Event)
	if err != nil {
		return err
	}

	// Settle the live queue: the sentinel id is obsolete everywhere it
	// leaked, and local writes that raced the upload must carry over.
	mErr := s.queues.MutatePending(ctx, owner, func(queue []event.PendingWrite) ([]event.PendingWrite, error) {
		i := indexOfWrite(queue, event.OpInsert, pw.LocalID)
		if i < 0 {
			// A local delete cancelled the record mid-upload. The row now
			// exists remotely, so queue its removal.
			return append(queue, event.PendingWrite{
				LocalID:    synced.ID,
				Op:         event.OpDelete,
				EnqueuedAt: s.clk.Now(),
			}), nil
		}

		var follow *event.Patch
		if live := queue[i].Event; live != nil && !sameEvent(*live, *pw.Event) {
			// An edit coalesced into the insert mid-upload. The uploaded
			// copy is stale; the current payload follows as a patch.
			follow = overwritePatch(*live)
		}

		queue = append(queue[:i], queue[i+1:]...)
		for j := range queue {
			if queue[j].LocalID == pw.LocalID {
				queue[j].LocalID = synced.ID
				if queue[j].Event != nil {
					queue[j].Event.ID = synced.ID
				}
			}
		}
		if follow != nil {
			queue = append(queue, event.PendingWrite{
				LocalID:    synced.ID,
				Op:         event.OpUpdate,
				Patch:      follow,
				EnqueuedAt: s.clk.Now(),
			})
		}
		return queue, nil
	})
	if mErr != nil {
		slog.Error("[Syncer] Settling queue after insert failed", "owner", owner, "error", mErr)
	}

	s.migrateHandles(ctx, pw.LocalID, synced.ID)
	if err := eventstore.SaveMirror(ctx, s.kv, synced); err != nil {
		slog.Warn("[Syncer] Row mirror write failed", "event_id", synced.ID, "error", err)
	}

	s.bus.Publish(bus.Change{Op: bus.OpSynced, Event: synced, PrevID: pw.LocalID})
	return nil
}

// uploadUpdate fetches the current row and applies the queued patch on top,
// so the write carries the remote's version. A version conflict means another
// device won the race between fetch and update; one refetch-and-reapply
// settles it.
func (s *Coordinator) uploadUpdate(ctx context.Context, pw event.PendingWrite) error {
	if pw.Patch == nil {
		return fmt.Errorf("%w: queued update without a patch", coreerr.ErrPermanent)
	}

	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.remote.Get(ctx, pw.LocalID)
		if errors.Is(err, coreerr.ErrNotFound) {
			// Deleted remotely; dropping the patch matches last-writer-wins.
			slog.Warn("[Syncer] Dropping update for remotely deleted event", "event_id", pw.LocalID)
			return nil
		}
		if err != nil {
			return err
		}

		pw.Patch.Apply(&current)
		updated, err := s.remote.Update(ctx, current)
		if errors.Is(err, coreerr.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return err
		}
		if mErr := eventstore.SaveMirror(ctx, s.kv, updated); mErr != nil {
			slog.Warn("[Syncer] Row mirror write failed", "event_id", updated.ID, "error", mErr)
		}
		return nil
	}
	return fmt.Errorf("%w: update for %s lost two version races", coreerr.ErrConflict, pw.LocalID)
}

// migrateHandles moves notification handles keyed by the sentinel id to the
// server id. Virtual occurrence handles extend the base key, so the prefix
// scan covers them too.
func (s *Coordinator) migrateHandles(ctx context.Context, fromID, toID string) {
	entries, err := s.kv.ListPrefix(ctx, kvstore.HandlesKey(fromID))
	if err != nil {
		slog.Warn("[Syncer] Handle migration scan failed", "event_id", fromID, "error", err)
		return
	}

	for key, raw := range entries {
		newKey := kvstore.HandlesKey(toID) + strings.TrimPrefix(key, kvstore.HandlesKey(fromID))
		if err := s.kv.Put(ctx, newKey, raw); err != nil {
			slog.Warn("[Syncer] Handle migration write failed", "key", newKey, "error", err)
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			slog.Warn("[Syncer] Handle migration cleanup failed", "key", key, "error", err)
		}
	}
}

// Teardown wipes all queued writes, dead-letter sinks, row mirrors, and
// device notifications. It runs on sign-out: queued writes belong to the
// departing session and must not upload under the next one.
func (s *Coordinator) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prefix := range []string{kvstore.PendingQueuePrefix, kvstore.DeadLetterPrefix, kvstore.RowPrefix, kvstore.OwnersPrefix} {
		entries, err := s.kv.ListPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("teardown scan: %w", err)
		}
		for key := range entries {
			if err := s.kv.Delete(ctx, key); err != nil {
				return fmt.Errorf("teardown delete %s: %w", key, err)
			}
		}
	}
	s.retryAt = make(map[string]time.Time)

	if s.notifier != nil {
		if err := s.notifier.CancelAll(ctx); err != nil {
			return fmt.Errorf("teardown notifications: %w", err)
		}
	}

	slog.Info("[Syncer] Teardown complete")
	return nil
}

// dropWrite removes the settled write from the live queue by identity.
func (s *Coordinator) dropWrite(ctx context.Context, owner string, pw event.PendingWrite) {
	err := s.queues.MutatePending(ctx, owner, func(queue []event.PendingWrite) ([]event.PendingWrite, error) {
		if i := indexOfWrite(queue, pw.Op, pw.LocalID); i >= 0 {
			queue = append(queue[:i], queue[i+1:]...)
		}
		return queue, nil
	})
	if err != nil {
		slog.Error("[Syncer] Removing settled write failed",
			"owner", owner, "local_id", pw.LocalID, "error", err)
	}
}

// recordFailure bumps the attempt count on the live queue entry.
func (s *Coordinator) recordFailure(ctx context.Context, owner string, pw event.PendingWrite, cause error) {
	err := s.queues.MutatePending(ctx, owner, func(queue []event.PendingWrite) ([]event.PendingWrite, error) {
		if i := indexOfWrite(queue, pw.Op, pw.LocalID); i >= 0 {
			queue[i].Attempts++
			queue[i].LastError = cause.Error()
		}
		return queue, nil
	})
	if err != nil {
		slog.Error("[Syncer] Recording write failure failed",
			"owner", owner, "local_id", pw.LocalID, "error", err)
	}
}

func (s *Coordinator) deadLetter(ctx context.Context, owner string, pw event.PendingWrite) error {
	sink, err := eventstore.LoadDeadLetter(ctx, s.kv, owner)
	if err != nil {
		return err
	}
	return eventstore.SaveDeadLetter(ctx, s.kv, owner, append(sink, pw))
}

func (s *Coordinator) invalidateOwner(owner string) {
	pattern := "^events:" + regexp.QuoteMeta(owner) + ":"
	if err := s.cache.InvalidatePattern(pattern); err != nil {
		slog.Warn("[Syncer] Cache invalidation failed", "owner", owner, "error", err)
	}
}

func indexOfWrite(queue []event.PendingWrite, op event.Op, localID string) int {
	for i, pw := range queue {
		if pw.Op == op && pw.LocalID == localID {
			return i
		}
	}
	return -1
}

// sameEvent compares payloads through their wire form. Queue entries
// round-trip through JSON, so this sees exactly what would upload.
func sameEvent(a, b event.Event) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return bytes.Equal(ra, rb)
}

// overwritePatch lifts every client-ownable field of ev into a patch.
func overwritePatch(ev event.Event) *event.Patch {
	p := &event.Patch{
		Title:           &ev.Title,
		Body:            &ev.Body,
		ScheduledAt:     &ev.ScheduledAt,
		ReminderEnabled: &ev.ReminderEnabled,
		Extras:          ev.Extras,
	}
	if ev.Repeat != nil {
		r := *ev.Repeat
		p.Repeat = &r
	} else {
		p.ClearRepeat = true
	}
	if ev.CompletedAt != nil {
		t := *ev.CompletedAt
		p.CompletedAt = &t
	}
	if ev.LinkedRecordID != "" {
		p.LinkedRecordID = &ev.LinkedRecordID
	}
	return p
}
