package event

import "time"

// Patch is a partial update to an event. Nil fields are left untouched.
// Patches are kept alongside queued writes so they can be re-applied against
// a fresh copy of the row after an optimistic-lock conflict.
type Patch struct {
	Title           *string    `json:"title,omitempty"`
	Body            *string    `json:"body,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	ReminderEnabled *bool      `json:"reminder_enabled,omitempty"`

	Repeat      *Repeat `json:"repeat,omitempty"`
	ClearRepeat bool    `json:"clear_repeat,omitempty"`

	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LinkedRecordID *string        `json:"linked_record_id,omitempty"`
	Extras         map[string]any `json:"extras,omitempty"`
}

// TouchesRecurrence reports whether the patch would change the fields that
// define a recurring series. Such edits are rejected when addressed through a
// virtual occurrence id.
func (p Patch) TouchesRecurrence() bool {
	return p.ScheduledAt != nil || p.Repeat != nil || p.ClearRepeat
}

// Apply writes the patch's set fields onto ev.
func (p Patch) Apply(ev *Event) {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Body != nil {
		ev.Body = *p.Body
	}
	if p.ScheduledAt != nil {
		ev.ScheduledAt = *p.ScheduledAt
	}
	if p.ReminderEnabled != nil {
		ev.ReminderEnabled = *p.ReminderEnabled
	}
	if p.ClearRepeat {
		ev.Repeat = nil
	} else if p.Repeat != nil {
		r := *p.Repeat
		ev.Repeat = &r
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		ev.CompletedAt = &t
	}
	if p.LinkedRecordID != nil {
		ev.LinkedRecordID = *p.LinkedRecordID
	}
	if p.Extras != nil {
		ev.Extras = make(map[string]any, len(p.Extras))
		for k, v := range p.Extras {
			ev.Extras[k] = v
		}
	}
}
