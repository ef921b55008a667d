package kvstore

// Persisted-state key layout. Every component addresses the store through
// these helpers so the layout stays in one place.

const (
	pendingPrefix    = "events:pending:"
	deadLetterPrefix = "events:deadletter:"
	rowPrefix        = "events:row:"
	handlesPrefix    = "notifications:handles:"

	ownersPrefix = "owners:"

	// SettingsKey holds the process-wide notification toggles.
	SettingsKey = "settings:notifications"
)

// OwnerKey marks an owner as known to this device. The daily notification
// rebuild iterates these marks.
func OwnerKey(owner string) string { return ownersPrefix + owner }

// OwnersPrefix lists every known owner mark.
const OwnersPrefix = ownersPrefix

// PendingKey addresses the owner's pending-write queue (one JSON array).
func PendingKey(owner string) string { return pendingPrefix + owner }

// PendingQueuePrefix lists every owner's pending queue.
const PendingQueuePrefix = pendingPrefix

// DeadLetterKey addresses the owner's dead-letter sink for writes that
// exhausted their retries.
func DeadLetterKey(owner string) string { return deadLetterPrefix + owner }

// DeadLetterPrefix lists every owner's dead-letter sink.
const DeadLetterPrefix = deadLetterPrefix

// RowKey addresses the mirror of one remote event row: the last state this
// device observed from the remote store.
func RowKey(eventID string) string { return rowPrefix + eventID }

// RowPrefix lists every mirrored row.
const RowPrefix = rowPrefix

// HandlesKey addresses the notification handles registered for an event.
// Virtual occurrence ids extend their base id, so a prefix scan on the base's
// key also finds handles scheduled for its occurrences.
func HandlesKey(eventID string) string { return handlesPrefix + eventID }

// HandlesPrefix is the scan prefix covering every handle entry.
const HandlesPrefix = handlesPrefix

// LastMonthKey stores the last gestation month notified for a pregnancy.
func LastMonthKey(pregnancyID string) string { return "pregnancy:lastMonth:" + pregnancyID }

// LastPhotoReminderKey stores the date of the last photo nudge for a pregnancy.
func LastPhotoReminderKey(pregnancyID string) string {
	return "pregnancy:lastPhotoReminder:" + pregnancyID
}
