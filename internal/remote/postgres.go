package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/equihub-lab/equihub-core/internal/core/event"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
)

const (
	connectPingTimeout = 5 * time.Second

	// callTimeout bounds every remote call; timeouts classify as transient.
	callTimeout = 30 * time.Second
)

// Postgres implements Store against the hosted table store.
type Postgres struct {
	db         *sql.DB
	stmtInsert *sql.Stmt
	stmtUpdate *sql.Stmt
	stmtDelete *sql.Stmt
	stmtGet    *sql.Stmt
	stmtQuery  *sql.Stmt
}

// NewPostgres opens a connection pool against dsn and prepares the event
// statements. The events table must exist; run migrations first.
func NewPostgres(dsn string, maxOpenConns, maxIdleConns int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping remote store: %w", err)
	}

	p := &Postgres{db: db}
	for _, s := range []struct {
		dst   **sql.Stmt
		query string
		name  string
	}{
		{&p.stmtInsert, queryInsertEvent, "insert"},
		{&p.stmtUpdate, queryUpdateEvent, "update"},
		{&p.stmtDelete, queryDeleteEvent, "delete"},
		{&p.stmtGet, queryGetEvent, "get"},
		{&p.stmtQuery, queryEvents, "query"},
	} {
		stmt, err := db.Prepare(s.query)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to prepare %s statement: %w", s.name, err)
		}
		*s.dst = stmt
	}

	slog.Info("[Remote] Adapter initialized with prepared statements",
		"max_open_conns", maxOpenConns,
		"max_idle_conns", maxIdleConns)
	return p, nil
}

// DB exposes the pool for migrations and health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error {
	for _, stmt := range []*sql.Stmt{p.stmtInsert, p.stmtUpdate, p.stmtDelete, p.stmtGet, p.stmtQuery} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return p.db.Close()
}

func (p *Postgres) Insert(ctx context.Context, ev event.Event) (event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	// The store assigns the canonical id; the local pending sentinel never
	// leaves the device.
	ev.ID = uuid.NewString()

	extras, err := marshalExtras(ev.Extras)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", coreerr.ErrPermanent, err)
	}
	pattern, horizon := repeatColumns(ev.Repeat)

	err = p.stmtInsert.QueryRowContext(ctx,
		ev.ID, ev.Owner, string(ev.Kind), ev.ScheduledAt.UTC(), ev.Title, ev.Body,
		ev.ReminderEnabled, pattern, horizon,
		nullableTime(ev.CompletedAt), ev.LinkedRecordID, extras,
	).Scan(&ev.Version)
	if err != nil {
		return event.Event{}, classify(err)
	}
	return ev, nil
}

func (p *Postgres) Update(ctx context.Context, ev event.Event) (event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	extras, err := marshalExtras(ev.Extras)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", coreerr.ErrPermanent, err)
	}
	pattern, horizon := repeatColumns(ev.Repeat)

	err = p.stmtUpdate.QueryRowContext(ctx,
		ev.ID, ev.Version,
		ev.ScheduledAt.UTC(), ev.Title, ev.Body,
		ev.ReminderEnabled, pattern, horizon,
		nullableTime(ev.CompletedAt), ev.LinkedRecordID, extras,
	).Scan(&ev.Version)
	if err == sql.ErrNoRows {
		return event.Event{}, p.disambiguateUpdateMiss(ctx, ev.ID)
	}
	if err != nil {
		return event.Event{}, classify(err)
	}
	return ev, nil
}

// disambiguateUpdateMiss decides whether a zero-row update was a version
// conflict or a missing row.
func (p *Postgres) disambiguateUpdateMiss(ctx context.Context, id string) error {
	var current int64
	err := p.db.QueryRowContext(ctx, queryGetVersion, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: event %s", coreerr.ErrNotFound, id)
	}
	if err != nil {
		return classify(err)
	}
	return fmt.Errorf("%w: event %s is at version %d", coreerr.ErrConflict, id, current)
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	res, err := p.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: event %s", coreerr.ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	ev, err := scanEvent(p.stmtGet.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return event.Event{}, fmt.Errorf("%w: event %s", coreerr.ErrNotFound, id)
	}
	if err != nil {
		return event.Event{}, classify(err)
	}
	return ev, nil
}

func (p *Postgres) Query(ctx context.Context, q Query) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	kinds := make([]string, len(q.Kinds))
	for i, k := range q.Kinds {
		kinds[i] = string(k)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.stmtQuery.QueryContext(ctx,
		q.Owner, pq.Array(kinds),
		nullableTime(q.From), nullableTime(q.To),
		q.ActiveOnly, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		ev             event.Event
		kind           string
		body           sql.NullString
		pattern        sql.NullString
		horizon        sql.NullTime
		completedAt    sql.NullTime
		linkedRecordID sql.NullString
		extras         []byte
		isActive       bool
	)
	err := row.Scan(&ev.ID, &ev.Owner, &kind, &ev.ScheduledAt, &ev.Title, &body,
		&ev.ReminderEnabled, &pattern, &horizon,
		&completedAt, &linkedRecordID, &extras, &isActive, &ev.Version)
	if err != nil {
		return event.Event{}, err
	}

	ev.Kind = event.Kind(kind)
	ev.Body = body.String
	ev.LinkedRecordID = linkedRecordID.String
	ev.ScheduledAt = ev.ScheduledAt.UTC()
	if pattern.Valid {
		ev.Repeat = &event.Repeat{Pattern: event.Pattern(pattern.String)}
		if horizon.Valid {
			h := horizon.Time.UTC()
			ev.Repeat.Horizon = &h
		}
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		ev.CompletedAt = &t
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &ev.Extras); err != nil {
			return event.Event{}, fmt.Errorf("malformed extras for event %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func marshalExtras(extras map[string]any) ([]byte, error) {
	if extras == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(extras)
}

func repeatColumns(r *event.Repeat) (pattern any, horizon any) {
	if r == nil {
		return nil, nil
	}
	pattern = string(r.Pattern)
	if r.Horizon != nil {
		horizon = r.Horizon.UTC()
	}
	return pattern, horizon
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
