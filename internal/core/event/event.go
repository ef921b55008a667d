// Package event defines the engine's data model: the polymorphic calendar
// event shared by planned training sessions and pregnancy entries, the
// recurrence descriptor, patches, pending writes, and the event-id codec.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the event variants. The shared header (id, owner, kind,
// scheduled_at, reminder flag) is uniform; kind-specific attributes live in
// Extras and are opaque to the engine.
type Kind string

const (
	KindTraining           Kind = "training"
	KindPregnancyMilestone Kind = "pregnancy-milestone"
	KindPregnancyCheck     Kind = "pregnancy-check"
	KindPregnancyVaccine   Kind = "pregnancy-vaccine"
	KindPregnancyDeworming Kind = "pregnancy-deworming"
	KindPhotoReminder      Kind = "photo-reminder"
)

// Kinds lists every known kind, in a stable order.
var Kinds = []Kind{
	KindTraining,
	KindPregnancyMilestone,
	KindPregnancyCheck,
	KindPregnancyVaccine,
	KindPregnancyDeworming,
	KindPhotoReminder,
}

// PregnancyKinds are the kinds the pregnancy notification rules read.
var PregnancyKinds = []Kind{
	KindPregnancyMilestone,
	KindPregnancyCheck,
	KindPregnancyVaccine,
	KindPregnancyDeworming,
	KindPhotoReminder,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Pattern is a recurrence step size.
type Pattern string

const (
	PatternDaily    Pattern = "daily"
	PatternWeekly   Pattern = "weekly"
	PatternBiweekly Pattern = "biweekly"
	PatternMonthly  Pattern = "monthly"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case PatternDaily, PatternWeekly, PatternBiweekly, PatternMonthly:
		return true
	}
	return false
}

// Repeat describes a recurrence. The anchor is the event's ScheduledAt; the
// series never extends past one year after the anchor regardless of Horizon.
type Repeat struct {
	Pattern Pattern `json:"pattern"`

	// Horizon optionally ends the series earlier than the one-year cap.
	Horizon *time.Time `json:"horizon,omitempty"`
}

// Event is the unit of scheduling. A concrete event is persisted in the
// remote table store (or queued for upload); a virtual occurrence is derived
// at read time from a concrete repeating event and is never persisted.
type Event struct {
	// ID is assigned by the remote store on first upload. Until then it is a
	// locally minted "pending-" sentinel. Virtual occurrences carry compound
	// ids (see VirtualID).
	ID string `json:"id"`

	// Owner is the opaque user identifier the row is scoped to.
	Owner string `json:"owner"`

	Kind        Kind      `json:"kind"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`

	ReminderEnabled bool `json:"reminder_enabled"`

	// Repeat is set on the base event of a recurring series.
	Repeat *Repeat `json:"repeat,omitempty"`

	// CompletedAt is only meaningful on concrete events; virtual occurrences
	// always read as active.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LinkedRecordID references the record produced by completing the event
	// (a logged training session, an ultrasound result, ...).
	LinkedRecordID string `json:"linked_record_id,omitempty"`

	// Extras carries kind-specific attributes (horse reference, training
	// type, image handle). Opaque to the engine.
	Extras map[string]any `json:"extras,omitempty"`

	// Virtual marks a derived occurrence. Never persisted.
	Virtual bool `json:"virtual,omitempty"`

	// Version is the remote store's optimistic-lock counter. Zero until the
	// first upload.
	Version int64 `json:"version,omitempty"`
}

// Validate checks the fields every event must carry before it is accepted.
func (e *Event) Validate() error {
	if e.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduled_at is required")
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.Repeat != nil && !e.Repeat.Pattern.Valid() {
		return fmt.Errorf("unknown repeat pattern %q", e.Repeat.Pattern)
	}
	return nil
}

// Pending reports whether the event has not yet been assigned a server id.
func (e *Event) Pending() bool {
	return strings.HasPrefix(e.ID, PendingPrefix)
}

// Completed reports whether the event has been marked done.
func (e *Event) Completed() bool {
	return e.CompletedAt != nil
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Repeat != nil {
		r := *e.Repeat
		out.Repeat = &r
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.Extras != nil {
		out.Extras = make(map[string]any, len(e.Extras))
		for k, v := range e.Extras {
			out.Extras[k] = v
		}
	}
	return out
}
