// Package recurrence materializes repeating events into concrete occurrences
// inside a requested window.
//
// The stepping rules are the product's own, not RFC 5545: monthly steps are
// calendar increments relative to the previous occurrence with the
// day-of-month clamped to short months (Jan 31 → Feb 28/29 → Mar 28/29), and
// every series is capped one year after its anchor.
package recurrence

import (
	"time"

	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/core/event"
)

// Window is the inclusive time range occurrences are requested for.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies in the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// HorizonEnd is the last instant a series may produce occurrences for:
// exactly one calendar year after the anchor, inclusive.
func HorizonEnd(anchor time.Time) time.Time {
	return anchor.AddDate(1, 0, 0)
}

// Step advances cur by one recurrence interval.
func Step(cur time.Time, p event.Pattern) time.Time {
	switch p {
	case event.PatternDaily:
		return clock.AddDays(cur, 1)
	case event.PatternWeekly:
		return clock.AddWeeks(cur, 1)
	case event.PatternBiweekly:
		return clock.AddWeeks(cur, 2)
	case event.PatternMonthly:
		return clock.AddMonths(cur, 1)
	default:
		// Unknown patterns are rejected at validation; never step them.
		return cur
	}
}

// Expand returns ev's occurrences inside w, ordered by instant.
//
// Stepping runs on the wall clock in loc (nil means UTC): an 08:00 series
// stays at 08:00 local across daylight-saving transitions, shifting the
// underlying UTC instant with the offset. Emitted instants and compound ids
// are normalized back to UTC.
//
// The anchor (ev itself, unmodified) is included only when it falls in the
// window. Every later occurrence is a virtual copy carrying a compound id,
// cleared completion state, and no linked record: virtual occurrences always
// read as active regardless of the base's completion.
//
// An empty window, an anchor past the window, or a horizon before the window
// all yield an empty result. Expansion is a pure function of its inputs.
func Expand(ev event.Event, w Window, loc *time.Location) []event.Event {
	if loc == nil {
		loc = time.UTC
	}
	if ev.Repeat == nil {
		if w.Contains(ev.ScheduledAt) {
			return []event.Event{ev}
		}
		return nil
	}
	if w.End.Before(w.Start) {
		return nil
	}

	anchor := ev.ScheduledAt
	if anchor.After(w.End) {
		return nil
	}

	limit := HorizonEnd(anchor)
	if ev.Repeat.Horizon != nil && ev.Repeat.Horizon.Before(limit) {
		limit = *ev.Repeat.Horizon
	}
	if limit.After(w.End) {
		limit = w.End
	}
	if limit.Before(w.Start) {
		return nil
	}

	var out []event.Event
	if w.Contains(anchor) {
		out = append(out, ev)
	}

	pattern := ev.Repeat.Pattern
	for cursor := Step(anchor.In(loc), pattern); !cursor.After(limit); cursor = Step(cursor, pattern) {
		if cursor.Before(w.Start) {
			continue
		}
		out = append(out, virtual(ev, cursor))
	}
	return out
}

// virtual derives the occurrence of base at the given instant.
func virtual(base event.Event, at time.Time) event.Event {
	occ := base.Clone()
	occ.ID = event.VirtualID(base.ID, at)
	occ.ScheduledAt = at.UTC()
	occ.Virtual = true
	occ.CompletedAt = nil
	occ.LinkedRecordID = ""
	occ.Repeat = nil
	occ.Version = 0
	return occ
}
