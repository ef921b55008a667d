// Package v1 holds the wire shapes of the public HTTP API, kept separate
// from the domain types so the JSON surface can evolve without touching the
// engine.
package v1

import (
	"fmt"
	"time"

	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/core/event"
)

// Repeat is the wire form of a recurrence definition.
type Repeat struct {
	Pattern string     `json:"pattern"`
	Horizon *time.Time `json:"horizon,omitempty"`
}

// Event is the wire form of a scheduled event. Timestamps are RFC 3339 in
// UTC; virtual occurrences carry compound ids and are never writable.
type Event struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	Title           string         `json:"title"`
	Body            string         `json:"body,omitempty"`
	ReminderEnabled bool           `json:"reminder_enabled"`
	Repeat          *Repeat        `json:"repeat,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	LinkedRecordID  string         `json:"linked_record_id,omitempty"`
	Extras          map[string]any `json:"extras,omitempty"`
	Virtual         bool           `json:"virtual"`
	Pending         bool           `json:"pending"`
	Version         int64          `json:"version,omitempty"`
}

// FromDomain converts a domain event to its wire form.
func FromDomain(ev event.Event) Event {
	out := Event{
		ID:              ev.ID,
		Kind:            string(ev.Kind),
		ScheduledAt:     ev.ScheduledAt.UTC(),
		Title:           ev.Title,
		Body:            ev.Body,
		ReminderEnabled: ev.ReminderEnabled,
		CompletedAt:     ev.CompletedAt,
		LinkedRecordID:  ev.LinkedRecordID,
		Extras:          ev.Extras,
		Virtual:         ev.Virtual,
		Pending:         ev.Pending(),
		Version:         ev.Version,
	}
	if ev.Repeat != nil {
		out.Repeat = &Repeat{Pattern: string(ev.Repeat.Pattern), Horizon: ev.Repeat.Horizon}
	}
	return out
}

// FromDomainList converts a slice, preserving order.
func FromDomainList(evs []event.Event) []Event {
	out := make([]Event, len(evs))
	for i, ev := range evs {
		out[i] = FromDomain(ev)
	}
	return out
}

// CreateRequest is the POST /v1/events body.
type CreateRequest struct {
	Kind            string         `json:"kind"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	Title           string         `json:"title"`
	Body            string         `json:"body,omitempty"`
	ReminderEnabled bool           `json:"reminder_enabled"`
	Repeat          *Repeat        `json:"repeat,omitempty"`
	Extras          map[string]any `json:"extras,omitempty"`
}

// ToDomain builds the draft event for the engine.
func (r CreateRequest) ToDomain() event.Event {
	ev := event.Event{
		Kind:            event.Kind(r.Kind),
		ScheduledAt:     r.ScheduledAt.UTC(),
		Title:           r.Title,
		Body:            r.Body,
		ReminderEnabled: r.ReminderEnabled,
		Extras:          r.Extras,
	}
	if r.Repeat != nil {
		ev.Repeat = &event.Repeat{Pattern: event.Pattern(r.Repeat.Pattern), Horizon: r.Repeat.Horizon}
	}
	return ev
}

// PatchRequest is the PATCH /v1/events/:id body. Absent fields are left
// untouched; clear_repeat removes the recurrence.
type PatchRequest struct {
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	Title           *string        `json:"title,omitempty"`
	Body            *string        `json:"body,omitempty"`
	ReminderEnabled *bool          `json:"reminder_enabled,omitempty"`
	Repeat          *Repeat        `json:"repeat,omitempty"`
	ClearRepeat     bool           `json:"clear_repeat,omitempty"`
	Extras          map[string]any `json:"extras,omitempty"`
}

// ToDomain builds the patch for the engine.
func (r PatchRequest) ToDomain() event.Patch {
	p := event.Patch{
		Title:           r.Title,
		Body:            r.Body,
		ReminderEnabled: r.ReminderEnabled,
		ClearRepeat:     r.ClearRepeat,
		Extras:          r.Extras,
	}
	if r.ScheduledAt != nil {
		at := r.ScheduledAt.UTC()
		p.ScheduledAt = &at
	}
	if r.Repeat != nil {
		p.Repeat = &event.Repeat{Pattern: event.Pattern(r.Repeat.Pattern), Horizon: r.Repeat.Horizon}
	}
	return p
}

// CompleteRequest is the POST /v1/events/:id/complete body.
type CompleteRequest struct {
	LinkedRecordID string `json:"linked_record_id,omitempty"`
}

// InvalidateRequest is the POST /v1/cache/invalidate body.
type InvalidateRequest struct {
	Pattern string `json:"pattern"`
}

// ParseWindow interprets the from/to query parameters. Missing bounds default
// to a one-year window starting today.
func ParseWindow(from, to string, now time.Time) (time.Time, time.Time, error) {
	start := clock.StartOfDay(now, time.UTC)
	end := start.AddDate(1, 0, 0)

	var err error
	if from != "" {
		if start, err = clock.ParseISO(from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from %q: %w", from, err)
		}
	}
	if to != "" {
		if end, err = clock.ParseISO(to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to %q: %w", to, err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end %s precedes start %s", end, start)
	}
	return start, end, nil
}
