package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddMonthsClampsShortMonths(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		n     int
		want  time.Time
	}{
		{
			name:  "jan 31 to feb 29 leap year",
			start: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			n:     1,
			want:  time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "jan 31 to feb 28 non-leap year",
			start: time.Date(2025, 1, 31, 12, 30, 0, 0, time.UTC),
			n:     1,
			want:  time.Date(2025, 2, 28, 12, 30, 0, 0, time.UTC),
		},
		{
			name:  "mid-month unaffected",
			start: time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC),
			n:     1,
			want:  time.Date(2025, 4, 15, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "dec rolls into next year",
			start: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
			n:     1,
			want:  time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, AddMonths(tc.start, tc.n))
		})
	}
}

func TestAddMonthsStepsRelativeToCursor(t *testing.T) {
	// Clamped day does not re-snap to the anchor's day-of-month: once a step
	// lands on the 29th, subsequent steps stay on the 29th.
	cur := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	cur = AddMonths(cur, 1)
	require.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), cur)

	cur = AddMonths(cur, 1)
	require.Equal(t, time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC), cur)

	cur = AddMonths(cur, 1)
	require.Equal(t, time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), cur)
}

func TestStartOfDayAndAt(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	ts := time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC) // 01:30 on June 11 in Berlin
	require.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, loc), StartOfDay(ts, loc))
	require.Equal(t, time.Date(2025, 6, 11, 8, 0, 0, 0, loc), At(ts, loc, 8, 0))
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	b := time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC)

	require.Equal(t, 2, DaysBetween(a, b, time.UTC))
	require.Equal(t, -2, DaysBetween(b, a, time.UTC))
	require.Equal(t, 0, DaysBetween(a, a, time.UTC))
}

func TestDaysBetweenAcrossSpringForward(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// March 30, 2025 is a 23-hour day in Berlin; the count must not shrink.
	a := time.Date(2025, 3, 29, 12, 0, 0, 0, loc)
	require.Equal(t, 1, DaysBetween(a, time.Date(2025, 3, 30, 12, 0, 0, 0, loc), loc))
	require.Equal(t, 2, DaysBetween(a, time.Date(2025, 3, 31, 12, 0, 0, 0, loc), loc))
	require.Equal(t, 33, DaysBetween(a, time.Date(2025, 5, 1, 6, 0, 0, 0, loc), loc))
}

func TestISORoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 13, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "2025-01-13T12:00:00.000Z", FormatISO(ts))

	parsed, err := ParseISO("2025-01-13T12:00:00.000Z")
	require.NoError(t, err)
	require.True(t, parsed.Equal(ts))

	// Offsets normalize to UTC.
	parsed, err = ParseISO("2025-01-13T14:00:00+02:00")
	require.NoError(t, err)
	require.True(t, parsed.Equal(ts))

	_, err = ParseISO("not-a-time")
	require.Error(t, err)
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	require.Equal(t, start, fc.Now())

	fc.Advance(90 * time.Minute)
	require.Equal(t, start.Add(90*time.Minute), fc.Now())

	fc.Set(start)
	require.Equal(t, start, fc.Now())
}
