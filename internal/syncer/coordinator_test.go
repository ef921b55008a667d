package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

const owner = "user-1"

type fakeNotifier struct {
	cancelled bool
}

func (f *fakeNotifier) CancelAll(context.Context) error {
	f.cancelled = true
	return nil
}

// hookedRemote runs a one-shot callback inside the next insert, emulating
// local writes that land while an upload is in flight.
type hookedRemote struct {
	*remote.Fake
	onInsert func()
}

func (h *hookedRemote) Insert(ctx context.Context, ev event.Event) (event.Event, error) {
	if h.onInsert != nil {
		hook := h.onInsert
		h.onInsert = nil
		hook()
	}
	return h.Fake.Insert(ctx, ev)
}

type fixture struct {
	coord    *Coordinator
	events   *eventstore.Store
	kv       *kvstore.Memory
	remote   *remote.Fake
	hooked   *hookedRemote
	probe    *netprobe.Static
	clock    *clock.Fake
	notifier *fakeNotifier
	changes  []bus.Change
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		kv:       kvstore.NewMemory(),
		remote:   remote.NewFake(),
		probe:    netprobe.NewStatic(netprobe.LinkWifi),
		clock:    clock.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)),
		notifier: &fakeNotifier{},
	}
	f.hooked = &hookedRemote{Fake: f.remote}
	c := cache.New(f.clock)
	b := bus.New()
	b.Subscribe(func(ch bus.Change) { f.changes = append(f.changes, ch) })
	f.events = eventstore.New(f.kv, f.hooked, c, f.clock, b, time.UTC)
	f.coord = New(f.kv, f.hooked, f.probe, c, b, f.clock, f.events, f.notifier, cfg)
	return f
}

func (f *fixture) syncedIDs() []string {
	var out []string
	for _, ch := range f.changes {
		if ch.Op == bus.OpSynced {
			out = append(out, ch.Event.ID)
		}
	}
	return out
}

func (f *fixture) create(t *testing.T, title string) event.Event {
	t.Helper()
	ev, err := f.events.Create(context.Background(), owner, event.Event{
		Kind:        event.KindTraining,
		ScheduledAt: f.clock.Now().Add(24 * time.Hour),
		Title:       title,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) queue(t *testing.T) []event.PendingWrite {
	t.Helper()
	q, err := eventstore.LoadQueue(context.Background(), f.kv, owner)
	require.NoError(t, err)
	return q
}

func TestDrainUploadsQueuedInsert(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	local := f.create(t, "Dressage")
	f.coord.Drain(ctx)

	require.Empty(t, f.queue(t))
	require.Equal(t, 1, f.remote.Inserts)

	// The synced change rewrites the sentinel id to the server id.
	last := f.changes[len(f.changes)-1]
	require.Equal(t, bus.OpSynced, last.Op)
	require.Equal(t, local.ID, last.PrevID)
	require.False(t, last.Event.Pending())

	row, ok := f.remote.Row(last.Event.ID)
	require.True(t, ok)
	require.Equal(t, "Dressage", row.Title)
}

func TestDrainStopsWhenOffline(t *testing.T) {
	f := newFixture(t, Config{})
	f.probe.SetLink(netprobe.LinkNone)

	f.create(t, "Dressage")
	f.coord.Drain(context.Background())

	require.Len(t, f.queue(t), 1)
	require.Equal(t, 0, f.remote.Inserts)
}

func TestDrainHonorsCellularBatchLimit(t *testing.T) {
	f := newFixture(t, Config{CellularBatch: 2})
	f.probe.SetLink(netprobe.LinkCellular)

	f.create(t, "One")
	f.create(t, "Two")
	f.create(t, "Three")
	f.coord.Drain(context.Background())

	require.Equal(t, 2, f.remote.Inserts)
	require.Len(t, f.queue(t), 1)

	// Wifi drains are unbounded.
	f.probe.SetLink(netprobe.LinkWifi)
	f.coord.Drain(context.Background())
	require.Empty(t, f.queue(t))
}

func TestDrainMigratesNotificationHandles(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	local := f.create(t, "Dressage")
	virtualID := event.VirtualID(local.ID, f.clock.Now().Add(7*24*time.Hour))
	require.NoError(t, f.kv.Put(ctx, kvstore.HandlesKey(local.ID), []byte(`["h1"]`)))
	require.NoError(t, f.kv.Put(ctx, kvstore.HandlesKey(virtualID), []byte(`["h2"]`)))

	f.coord.Drain(ctx)

	syncedID := f.changes[len(f.changes)-1].Event.ID
	got, err := f.kv.Get(ctx, kvstore.HandlesKey(syncedID))
	require.NoError(t, err)
	require.JSONEq(t, `["h1"]`, string(got))

	got, err = f.kv.Get(ctx, kvstore.HandlesKey(event.VirtualID(syncedID, f.clock.Now().Add(7*24*time.Hour))))
	require.NoError(t, err)
	require.JSONEq(t, `["h2"]`, string(got))

	_, err = f.kv.Get(ctx, kvstore.HandlesKey(local.ID))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestDrainAppliesQueuedPatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	synced, err := f.remote.Insert(ctx, event.Event{
		Owner: owner, Kind: event.KindTraining,
		ScheduledAt: f.clock.Now(), Title: "Old",
	})
	require.NoError(t, err)

	title := "New"
	_, err = f.events.Update(ctx, owner, synced.ID, event.Patch{Title: &title})
	require.NoError(t, err)

	f.coord.Drain(ctx)

	require.Empty(t, f.queue(t))
	row, ok := f.remote.Row(synced.ID)
	require.True(t, ok)
	require.Equal(t, "New", row.Title)
	require.Equal(t, int64(2), row.Version)
}

func TestDrainDropsPatchForRemotelyDeletedRow(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	synced, err := f.remote.Insert(ctx, event.Event{
		Owner: owner, Kind: event.KindTraining,
		ScheduledAt: f.clock.Now(), Title: "Old",
	})
	require.NoError(t, err)

	title := "New"
	_, err = f.events.Update(ctx, owner, synced.ID, event.Patch{Title: &title})
	require.NoError(t, err)

	// Another device removed the row meanwhile.
	queue := f.queue(t)
	queue[0].LocalID = "2b1f4df4-5ad6-4a58-9d9a-000000000000"
	require.NoError(t, eventstore.SaveQueue(ctx, f.kv, owner, queue))

	f.coord.Drain(ctx)
	require.Empty(t, f.queue(t))

	sink, err := eventstore.LoadDeadLetter(ctx, f.kv, owner)
	require.NoError(t, err)
	require.Empty(t, sink)
}

func TestDrainBacksOffAfterTransientFailure(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5})
	ctx := context.Background()

	f.create(t, "Dressage")
	f.remote.FailWith(coreerr.ErrTransient)
	f.coord.Drain(ctx)

	queue := f.queue(t)
	require.Len(t, queue, 1)
	require.Equal(t, 1, queue[0].Attempts)
	require.NotEmpty(t, queue[0].LastError)

	// Healing the remote is not enough: the owner waits out the backoff.
	f.remote.FailWith(nil)
	f.coord.Drain(ctx)
	require.Len(t, f.queue(t), 1)

	f.clock.Advance(2 * time.Second)
	f.coord.Drain(ctx)
	require.Empty(t, f.queue(t))
	require.Equal(t, 1, f.remote.Inserts)
}

func TestDrainDeadLettersAfterMaxRetries(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	ctx := context.Background()

	f.create(t, "Dressage")
	f.remote.FailWith(coreerr.ErrTransient)

	for i := 0; i < 2; i++ {
		f.coord.Drain(ctx)
		f.clock.Advance(time.Minute)
	}

	require.Empty(t, f.queue(t))
	sink, err := eventstore.LoadDeadLetter(ctx, f.kv, owner)
	require.NoError(t, err)
	require.Len(t, sink, 1)
	require.Equal(t, 2, sink[0].Attempts)

	st, err := f.events.SyncStatus(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 1, st.DeadLetter)
	require.NotEmpty(t, st.LastError)
}

func TestDrainDeadLettersPermanentFailureImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 8})
	ctx := context.Background()

	f.create(t, "Dressage")
	f.remote.FailWith(coreerr.ErrPermanent)
	f.coord.Drain(ctx)

	require.Empty(t, f.queue(t))
	sink, err := eventstore.LoadDeadLetter(ctx, f.kv, owner)
	require.NoError(t, err)
	require.Len(t, sink, 1)
}

func TestDrainPreservesFIFOAcrossFailure(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5})
	ctx := context.Background()

	f.create(t, "First")
	f.create(t, "Second")

	f.remote.FailWith(coreerr.ErrTransient)
	f.coord.Drain(ctx)
	require.Len(t, f.queue(t), 2)

	f.remote.FailWith(nil)
	f.clock.Advance(2 * time.Second)
	f.coord.Drain(ctx)

	require.Empty(t, f.queue(t))
	titles := make([]string, 0, 2)
	for _, ch := range f.changes {
		if ch.Op == bus.OpSynced {
			titles = append(titles, ch.Event.Title)
		}
	}
	require.Equal(t, []string{"First", "Second"}, titles)
}

func TestDrainKeepsCreateRacedWithUpload(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "First")
	f.hooked.onInsert = func() { f.create(t, "Second") }

	f.coord.Drain(ctx)

	// The write queued mid-upload is neither lost nor stranded.
	require.Equal(t, 2, f.remote.Inserts)
	require.Empty(t, f.queue(t))

	titles := make([]string, 0, 2)
	for _, ch := range f.changes {
		if ch.Op == bus.OpSynced {
			titles = append(titles, ch.Event.Title)
		}
	}
	require.Equal(t, []string{"First", "Second"}, titles)
}

func TestDrainCarriesEditRacedWithUpload(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	local := f.create(t, "Draft")
	title := "Final"
	f.hooked.onInsert = func() {
		_, err := f.events.Update(ctx, owner, local.ID, event.Patch{Title: &title})
		require.NoError(t, err)
	}

	f.coord.Drain(ctx)

	// The edit coalesced into the uploading insert follows as a patch.
	require.Empty(t, f.queue(t))
	synced := f.syncedIDs()
	require.Len(t, synced, 1)
	row, ok := f.remote.Row(synced[0])
	require.True(t, ok)
	require.Equal(t, "Final", row.Title)
}

func TestDrainReconcilesDeleteRacedWithUpload(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	local := f.create(t, "Doomed")
	f.hooked.onInsert = func() {
		require.NoError(t, f.events.Delete(ctx, owner, local.ID))
	}

	f.coord.Drain(ctx)

	// The delete cancelled the queued insert mid-upload; the freshly created
	// remote row is removed again.
	require.Empty(t, f.queue(t))
	synced := f.syncedIDs()
	require.Len(t, synced, 1)
	require.False(t, f.remote.Active(synced[0]))
}

func TestDeleteOfMissingRowCountsAsSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	queue := []event.PendingWrite{{
		LocalID:    "2b1f4df4-5ad6-4a58-9d9a-000000000000",
		Op:         event.OpDelete,
		EnqueuedAt: f.clock.Now(),
	}}
	require.NoError(t, eventstore.SaveQueue(ctx, f.kv, owner, queue))

	f.coord.Drain(ctx)
	require.Empty(t, f.queue(t))
}

func TestTeardownWipesStateAndCancelsNotifications(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "Dressage")
	require.NoError(t, eventstore.SaveDeadLetter(ctx, f.kv, owner, []event.PendingWrite{{
		LocalID: "dead", Op: event.OpInsert,
	}}))

	require.NoError(t, f.coord.Teardown(ctx))

	require.Empty(t, f.queue(t))
	sink, err := eventstore.LoadDeadLetter(ctx, f.kv, owner)
	require.NoError(t, err)
	require.Empty(t, sink)
	require.True(t, f.notifier.cancelled)
	require.Equal(t, 0, f.remote.Inserts)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := Delay(i)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, maxDelay+maxDelay/5)
	}
	require.Less(t, Delay(0), time.Second)
}
