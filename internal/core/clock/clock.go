// Package clock provides the single source of time for the engine plus the
// calendar arithmetic the scheduling rules are written in terms of.
//
// All higher components take time only from a Clock so that tests can pin it.
package clock

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ISOFormat is the wire form for instants: RFC 3339 in UTC with millisecond
// precision. It is used in compound occurrence ids and persisted state, so it
// must stay byte-stable.
const ISOFormat = "2006-01-02T15:04:05.000Z"

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// Real reads the system wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a settable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a Fake pinned to t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// AddDays steps t forward by n calendar days, preserving time-of-day.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// AddWeeks steps t forward by n weeks.
func AddWeeks(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, 7*n)
}

// AddMonths steps t forward by n calendar months, clamping the day-of-month
// when the target month is shorter. This differs from time.AddDate, which
// normalizes overflow into the following month (Jan 31 + 1mo = Mar 2/3).
// Here Jan 31 + 1mo = Feb 28 (29 in leap years).
func AddMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	day := t.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// StartOfDay returns midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// At returns the instant on t's calendar date in loc at the given wall time.
func At(t time.Time, loc *time.Location, hour, minute int) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
}

// DaysBetween returns the number of whole calendar days from a to b in loc.
// Negative when b precedes a. Rounded, not truncated: a daylight-saving
// transition makes a calendar day 23 or 25 hours long.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	sa := StartOfDay(a, loc)
	sb := StartOfDay(b, loc)
	return int(math.Round(sb.Sub(sa).Hours() / 24))
}

// FormatISO renders t in the engine's canonical ISO-8601 form (UTC, ms).
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOFormat)
}

// ParseISO parses an ISO-8601 instant. Accepts any RFC 3339 fraction
// precision; the result is normalized to UTC.
func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO-8601 instant %q: %w", s, err)
	}
	return t.UTC(), nil
}
