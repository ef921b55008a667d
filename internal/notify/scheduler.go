// Package notify keeps device-local notifications consistent with the event
// stream: per-event reminders rebuilt on every change, plus derived pregnancy
// reminders recomputed on ticks and full rebuilds.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/equihub-lab/equihub-core/internal/bus"
	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/core/event"
	"github.com/equihub-lab/equihub-core/internal/core/recurrence"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
)

// Rule keys. Each rule registers at most one handle per event per key.
const (
	RuleTrainingRemind       = "training.remind"
	RulePregnancyNextAction  = "pregnancy.next-action"
	RulePregnancyMonthChange = "pregnancy.month-change"
	RulePhotoReminder        = "pregnancy.photo-reminder"
	RuleLateCareMorning      = "pregnancy.late-care.morning"
	RuleLateCareEvening      = "pregnancy.late-care.evening"
)

// repeatLookahead bounds how far ahead occurrence reminders are registered.
// The next rebuild rolls the window forward.
const repeatLookahead = 30 * 24 * time.Hour

// lateCareWindow is the gestational-day range with daily care reminders.
const (
	lateCareFirstDay = 320
	lateCareLastDay  = 340
)

var lateCareMessages = [5]string{
	"Foaling is approaching. Check the mare's udder development today.",
	"Watch for waxing on the teats and relaxation of the croup muscles.",
	"Prepare the foaling stall and keep it bedded with clean straw.",
	"Check the mare several times a day. Milk may drip when birth is near.",
	"Foaling can start any moment. Keep the foaling kit within reach.",
}

// EventSource is the slice of the event store the scheduler reads from on
// full rebuilds.
type EventSource interface {
	ListInWindow(ctx context.Context, owner string, kinds []event.Kind, start, end time.Time) ([]event.Event, error)
}

// Scheduler owns the cancel-then-reschedule discipline for notifications.
type Scheduler struct {
	kv     kvstore.Store
	device DeviceAPI
	source EventSource
	clk    clock.Clock
	loc    *time.Location
}

// New wires a scheduler. loc is the user's display timezone; nil means UTC.
func New(kv kvstore.Store, device DeviceAPI, source EventSource, clk clock.Clock, loc *time.Location) *Scheduler {
	if kv == nil || device == nil || source == nil || clk == nil {
		panic("notify: all collaborators are required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{kv: kv, device: device, source: source, clk: clk, loc: loc}
}

// Attach subscribes the scheduler to the change feed. The feed is
// synchronous, so notification cancellation for a delete completes before the
// delete is acknowledged to the caller.
func (s *Scheduler) Attach(b *bus.Bus) {
	b.Subscribe(s.onChange)
}

func (s *Scheduler) onChange(c bus.Change) {
	ctx := context.Background()

	if c.Op == bus.OpDeleted {
		if err := s.cancelEvent(ctx, c.Event.ID); err != nil {
			slog.Error("[Notify] Cancel on delete failed", "event_id", c.Event.ID, "error", err)
		}
		return
	}

	if err := s.rebuildEvent(ctx, c.Event); err != nil {
		slog.Error("[Notify] Rebuild on change failed",
			"event_id", c.Event.ID, "op", c.Op, "error", err)
	}
}

// RebuildAll recomputes every notification for the owner: per-event handles
// for each concrete event in a two-year window around now, then the derived
// pregnancy reminders. Safe to call repeatedly; used at app launch and on the
// daily tick.
func (s *Scheduler) RebuildAll(ctx context.Context, owner string) error {
	if !s.device.PermissionGranted() {
		return nil
	}

	now := s.clk.Now()
	events, err := s.source.ListInWindow(ctx, owner, nil, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err != nil {
		return fmt.Errorf("listing events for rebuild: %w", err)
	}

	for _, ev := range events {
		if ev.Virtual {
			continue
		}
		if err := s.rebuildEvent(ctx, ev); err != nil {
			return err
		}
	}

	return s.runDerived(ctx, owner, events)
}

// Tick runs the time-driven derived rules without touching per-event
// handles. Wired to the daily cron tick.
func (s *Scheduler) Tick(ctx context.Context, owner string) error {
	if !s.device.PermissionGranted() {
		return nil
	}

	now := s.clk.Now()
	events, err := s.source.ListInWindow(ctx, owner, nil, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err != nil {
		return fmt.Errorf("listing events for tick: %w", err)
	}
	return s.runDerived(ctx, owner, events)
}

// CancelAll cancels every registered notification and drops every handle
// entry. Runs on sign-out.
func (s *Scheduler) CancelAll(ctx context.Context) error {
	entries, err := s.kv.ListPrefix(ctx, kvstore.HandlesPrefix)
	if err != nil {
		return err
	}
	for key := range entries {
		if err := s.cancelKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// rebuildEvent is the per-event discipline: cancel everything registered for
// the event (its occurrences included), then schedule afresh from current
// state. Rebuilding twice leaves the same handles as rebuilding once.
func (s *Scheduler) rebuildEvent(ctx context.Context, ev event.Event) error {
	if !s.device.PermissionGranted() {
		return nil
	}

	id, err := event.ParseID(ev.ID)
	if err != nil {
		return err
	}
	if err := s.cancelEvent(ctx, id.Base); err != nil {
		return err
	}
	return s.scheduleEvent(ctx, ev)
}

// cancelEvent cancels all handles registered under the event id. Virtual
// occurrence keys extend the base key, so one prefix scan covers the series.
func (s *Scheduler) cancelEvent(ctx context.Context, rawID string) error {
	id, err := event.ParseID(rawID)
	if err != nil {
		return err
	}
	entries, err := s.kv.ListPrefix(ctx, kvstore.HandlesKey(id.Base))
	if err != nil {
		return err
	}
	for key := range entries {
		if err := s.cancelKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) cancelKey(ctx context.Context, key string) error {
	handles, err := loadHandles(ctx, s.kv, key)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if err := s.device.Cancel(ctx, h.DeviceHandle); err != nil {
			return fmt.Errorf("cancelling %s: %w", h.DeviceHandle, err)
		}
	}
	return s.kv.Delete(ctx, key)
}

// scheduleEvent applies the per-event rules to one concrete event.
func (s *Scheduler) scheduleEvent(ctx context.Context, ev event.Event) error {
	switch ev.Kind {
	case event.KindTraining:
		return s.scheduleTraining(ctx, ev)
	case event.KindPregnancyCheck, event.KindPregnancyVaccine, event.KindPregnancyDeworming:
		return s.schedulePregnancyNextAction(ctx, ev)
	default:
		return nil
	}
}

func (s *Scheduler) scheduleTraining(ctx context.Context, ev event.Event) error {
	if !ev.ReminderEnabled {
		return nil
	}
	now := s.clk.Now()

	// The anchor itself, then occurrences inside the lookahead. Both use the
	// same rule key; handles are split across per-occurrence entries.
	if ev.ScheduledAt.After(now) {
		if err := s.register(ctx, kvstore.HandlesKey(ev.ID), RuleTrainingRemind, Notification{
			Title:  "Training reminder",
			Body:   ev.Title,
			Data:   map[string]string{"eventId": ev.ID},
			FireAt: s.morningOf(ev.ScheduledAt),
		}); err != nil {
			return err
		}
	}

	if ev.Repeat == nil {
		return nil
	}
	w := recurrence.Window{Start: now, End: now.Add(repeatLookahead)}
	for _, occ := range recurrence.Expand(ev, w, s.loc) {
		if !occ.Virtual || !occ.ScheduledAt.After(now) {
			continue
		}
		if err := s.register(ctx, kvstore.HandlesKey(occ.ID), RuleTrainingRemind, Notification{
			Title:  "Training reminder",
			Body:   occ.Title,
			Data:   map[string]string{"eventId": occ.ID},
			FireAt: s.morningOf(occ.ScheduledAt),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) schedulePregnancyNextAction(ctx context.Context, ev event.Event) error {
	if !loadSettings(ctx, s.kv).PregnancyReminders {
		return nil
	}
	if ev.CompletedAt != nil || !ev.ScheduledAt.After(s.clk.Now()) {
		return nil
	}

	fireAt := clock.At(ev.ScheduledAt.AddDate(0, 0, -7), s.loc, 9, 0)
	if !fireAt.After(s.clk.Now()) {
		return nil
	}
	return s.register(ctx, kvstore.HandlesKey(ev.ID), RulePregnancyNextAction, Notification{
		Title:  "Upcoming care",
		Body:   fmt.Sprintf("%s is due in 7 days", ev.Title),
		Data:   map[string]string{"eventId": ev.ID},
		FireAt: fireAt,
	})
}

// runDerived recomputes the calendar-anchored pregnancy rules. Their handles
// key off the pregnancy, not an event, so per-event rebuilds never disturb
// them.
func (s *Scheduler) runDerived(ctx context.Context, owner string, events []event.Event) error {
	if !loadSettings(ctx, s.kv).PregnancyReminders {
		return nil
	}

	cover, ok := coverEvent(events)
	if !ok {
		return nil
	}
	pregnancyID := pregnancyIDOf(cover)
	day := clock.DaysBetween(cover.ScheduledAt, s.clk.Now(), s.loc)
	if day < 0 {
		return nil
	}

	// Scheduled-ahead derived handles are rebuilt wholesale each run.
	derivedKey := kvstore.HandlesKey("pregnancy:" + pregnancyID)
	if err := s.cancelKey(ctx, derivedKey); err != nil {
		return err
	}

	if err := s.fireMonthChange(ctx, pregnancyID, day); err != nil {
		return err
	}
	if err := s.photoReminder(ctx, derivedKey, pregnancyID, events); err != nil {
		return err
	}
	return s.lateCare(ctx, derivedKey, pregnancyID, day)
}

// fireMonthChange fires once per gestational month. Months run 30 days with
// the first partial month counting as month 1, capped at 11.
func (s *Scheduler) fireMonthChange(ctx context.Context, pregnancyID string, day int) error {
	month := (day + 29) / 30
	if month < 1 {
		month = 1
	}
	if month > 11 {
		month = 11
	}

	last := 0
	if raw, err := s.kv.Get(ctx, kvstore.LastMonthKey(pregnancyID)); err == nil {
		last, _ = strconv.Atoi(string(raw))
	}
	if month <= last {
		return nil
	}

	_, err := s.device.Schedule(ctx, Notification{
		Title: "Pregnancy milestone",
		Body:  fmt.Sprintf("The mare is now in month %d of pregnancy", month),
		Data:  map[string]string{"pregnancyId": pregnancyID, "month": strconv.Itoa(month)},
	})
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, kvstore.LastMonthKey(pregnancyID), []byte(strconv.Itoa(month)))
}

// photoReminder nudges every 14 days unless a belly photo was recorded in the
// trailing 14 days, and pre-schedules the next nudge.
func (s *Scheduler) photoReminder(ctx context.Context, derivedKey, pregnancyID string, events []event.Event) error {
	now := s.clk.Now()
	today := clock.StartOfDay(now, s.loc)

	// Mid-fortnight runs re-register the pre-scheduled nudge the wholesale
	// derived cancel just dropped.
	if raw, err := s.kv.Get(ctx, kvstore.LastPhotoReminderKey(pregnancyID)); err == nil {
		last, perr := clock.ParseISO(string(raw))
		if perr == nil && clock.DaysBetween(last, now, s.loc) < 14 {
			return s.registerNextPhoto(ctx, derivedKey, pregnancyID, clock.StartOfDay(last, s.loc).AddDate(0, 0, 14))
		}
	}
	for _, ev := range events {
		if ev.Kind == event.KindPhotoReminder && ev.CompletedAt != nil &&
			clock.DaysBetween(*ev.CompletedAt, now, s.loc) < 14 {
			return nil
		}
	}

	_, err := s.device.Schedule(ctx, Notification{
		Title: "Photo time",
		Body:  "Two weeks since the last belly photo. Take a new one today.",
		Data:  map[string]string{"pregnancyId": pregnancyID},
	})
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, kvstore.LastPhotoReminderKey(pregnancyID), []byte(clock.FormatISO(today))); err != nil {
		return err
	}
	return s.registerNextPhoto(ctx, derivedKey, pregnancyID, today.AddDate(0, 0, 14))
}

func (s *Scheduler) registerNextPhoto(ctx context.Context, derivedKey, pregnancyID string, day time.Time) error {
	return s.register(ctx, derivedKey, RulePhotoReminder, Notification{
		Title:  "Photo time",
		Body:   "Time for the next belly photo.",
		Data:   map[string]string{"pregnancyId": pregnancyID},
		FireAt: clock.At(day, s.loc, 10, 0),
	})
}

// lateCare schedules tomorrow's morning and evening reminders during the
// final stretch.
func (s *Scheduler) lateCare(ctx context.Context, derivedKey, pregnancyID string, day int) error {
	if day < lateCareFirstDay || day > lateCareLastDay {
		return nil
	}

	msgIdx := (day - lateCareFirstDay) / 4
	if msgIdx > 4 {
		msgIdx = 4
	}
	tomorrow := clock.StartOfDay(s.clk.Now(), s.loc).AddDate(0, 0, 1)

	if err := s.register(ctx, derivedKey, RuleLateCareMorning, Notification{
		Title:  "Foaling watch",
		Body:   lateCareMessages[msgIdx],
		Data:   map[string]string{"pregnancyId": pregnancyID},
		FireAt: clock.At(tomorrow, s.loc, 8, 0),
	}); err != nil {
		return err
	}
	return s.register(ctx, derivedKey, RuleLateCareEvening, Notification{
		Title:  "Evening check",
		Body:   "Check on the mare before night.",
		Data:   map[string]string{"pregnancyId": pregnancyID},
		FireAt: clock.At(tomorrow, s.loc, 20, 0),
	})
}

// register schedules one notification and appends its handle under key.
func (s *Scheduler) register(ctx context.Context, key, ruleKey string, n Notification) error {
	deviceHandle, err := s.device.Schedule(ctx, n)
	if err != nil {
		return fmt.Errorf("scheduling %s under %s: %w", ruleKey, key, err)
	}
	if deviceHandle == "" {
		return nil
	}

	handles, err := loadHandles(ctx, s.kv, key)
	if err != nil {
		return err
	}
	return saveHandles(ctx, s.kv, key, append(handles, Handle{
		RuleKey:      ruleKey,
		DeviceHandle: deviceHandle,
	}))
}

// morningOf is 08:00 local on the instant's date.
func (s *Scheduler) morningOf(t time.Time) time.Time {
	return clock.At(t, s.loc, 8, 0)
}

// coverEvent finds the earliest cover milestone, the origin of the
// gestational calendar.
func coverEvent(events []event.Event) (event.Event, bool) {
	var cover event.Event
	found := false
	for _, ev := range events {
		if ev.Virtual || ev.Kind != event.KindPregnancyMilestone {
			continue
		}
		if m, _ := ev.Extras["milestone"].(string); m != "cover" {
			continue
		}
		if !found || ev.ScheduledAt.Before(cover.ScheduledAt) {
			cover = ev
			found = true
		}
	}
	return cover, found
}

func pregnancyIDOf(cover event.Event) string {
	if pid, _ := cover.Extras["pregnancyId"].(string); pid != "" {
		return pid
	}
	return cover.ID
}
