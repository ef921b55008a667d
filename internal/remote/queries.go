package remote

// SQL for the events table. Updates and deletes bump the version column; the
// version predicate on update is the optimistic lock.

const (
	queryInsertEvent = `
		INSERT INTO events (
			id, owner, kind, scheduled_at, title, body,
			reminder_enabled, repeat_pattern, repeat_horizon,
			completed_at, linked_record_id, extras, is_active, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, 1)
		RETURNING version
	`

	queryUpdateEvent = `
		UPDATE events SET
			scheduled_at = $3, title = $4, body = $5,
			reminder_enabled = $6, repeat_pattern = $7, repeat_horizon = $8,
			completed_at = $9, linked_record_id = $10, extras = $11,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version
	`

	queryDeleteEvent = `
		UPDATE events SET is_active = FALSE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND is_active = TRUE
	`

	queryGetEvent = `
		SELECT id, owner, kind, scheduled_at, title, body,
		       reminder_enabled, repeat_pattern, repeat_horizon,
		       completed_at, linked_record_id, extras, is_active, version
		FROM events
		WHERE id = $1
	`

	queryGetVersion = `
		SELECT version FROM events WHERE id = $1
	`

	// queryEvents filters by owner and kinds, with optional scheduled_at
	// bounds. NULL bounds are unbounded; $6 toggles the is_active predicate.
	queryEvents = `
		SELECT id, owner, kind, scheduled_at, title, body,
		       reminder_enabled, repeat_pattern, repeat_horizon,
		       completed_at, linked_record_id, extras, is_active, version
		FROM events
		WHERE owner = $1
		  AND kind = ANY($2)
		  AND ($3::timestamptz IS NULL OR scheduled_at >= $3)
		  AND ($4::timestamptz IS NULL OR scheduled_at <= $4)
		  AND (NOT $5 OR is_active)
		ORDER BY scheduled_at ASC
		LIMIT $6
	`
)
