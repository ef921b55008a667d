package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
)

func TestEventValidate(t *testing.T) {
	base := Event{
		Owner:       "user-1",
		Kind:        KindTraining,
		ScheduledAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Title:       "Dressage",
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{name: "valid", mutate: func(*Event) {}},
		{name: "missing owner", mutate: func(e *Event) { e.Owner = "" }, wantErr: "owner"},
		{name: "unknown kind", mutate: func(e *Event) { e.Kind = "picnic" }, wantErr: "kind"},
		{name: "zero scheduled_at", mutate: func(e *Event) { e.ScheduledAt = time.Time{} }, wantErr: "scheduled_at"},
		{name: "missing title", mutate: func(e *Event) { e.Title = "" }, wantErr: "title"},
		{name: "bad pattern", mutate: func(e *Event) { e.Repeat = &Repeat{Pattern: "hourly"} }, wantErr: "pattern"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := base.Clone()
			tc.mutate(&ev)
			err := ev.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	done := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	ev := Event{
		ID:          "e1",
		Owner:       "user-1",
		Kind:        KindTraining,
		ScheduledAt: done,
		Title:       "Jumping",
		Repeat:      &Repeat{Pattern: PatternWeekly},
		CompletedAt: &done,
		Extras:      map[string]any{"horse_id": "h-1"},
	}

	cp := ev.Clone()
	cp.Repeat.Pattern = PatternDaily
	*cp.CompletedAt = done.Add(time.Hour)
	cp.Extras["horse_id"] = "h-2"

	require.Equal(t, PatternWeekly, ev.Repeat.Pattern)
	require.Equal(t, done, *ev.CompletedAt)
	require.Equal(t, "h-1", ev.Extras["horse_id"])
}

func TestParseID(t *testing.T) {
	const base = "550e8400-e29b-41d4-a716-446655440000"
	at := time.Date(2025, 1, 13, 12, 0, 0, 0, time.UTC)

	t.Run("concrete", func(t *testing.T) {
		id, err := ParseID(base)
		require.NoError(t, err)
		require.False(t, id.Virtual())
		require.Equal(t, base, id.Base)
	})

	t.Run("virtual round trip", func(t *testing.T) {
		raw := VirtualID(base, at)
		require.Equal(t, base+"_repeat_2025-01-13T12:00:00.000Z", raw)

		id, err := ParseID(raw)
		require.NoError(t, err)
		require.True(t, id.Virtual())
		require.Equal(t, base, id.Base)
		require.True(t, id.At.Equal(at))
	})

	t.Run("pending id stays concrete", func(t *testing.T) {
		raw := NewPendingID()
		id, err := ParseID(raw)
		require.NoError(t, err)
		require.False(t, id.Virtual())
		require.Equal(t, raw, id.Base)
	})

	t.Run("malformed compound", func(t *testing.T) {
		_, err := ParseID("short_repeat_2025-01-13T12:00:00.000Z")
		require.ErrorIs(t, err, coreerr.ErrInvalidID)

		_, err = ParseID(base + "_repeat_yesterday")
		require.ErrorIs(t, err, coreerr.ErrInvalidID)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseID("")
		require.ErrorIs(t, err, coreerr.ErrInvalidID)
	})
}

func TestPatchApply(t *testing.T) {
	ev := Event{
		Title:           "Old",
		Body:            "body",
		ReminderEnabled: false,
		Repeat:          &Repeat{Pattern: PatternWeekly},
	}

	newTitle := "New"
	on := true
	p := Patch{Title: &newTitle, ReminderEnabled: &on, ClearRepeat: true}

	p.Apply(&ev)
	require.Equal(t, "New", ev.Title)
	require.Equal(t, "body", ev.Body)
	require.True(t, ev.ReminderEnabled)
	require.Nil(t, ev.Repeat)
}

func TestPatchTouchesRecurrence(t *testing.T) {
	at := time.Now()
	require.True(t, Patch{ScheduledAt: &at}.TouchesRecurrence())
	require.True(t, Patch{Repeat: &Repeat{Pattern: PatternDaily}}.TouchesRecurrence())
	require.True(t, Patch{ClearRepeat: true}.TouchesRecurrence())

	title := "x"
	require.False(t, Patch{Title: &title}.TouchesRecurrence())
}
