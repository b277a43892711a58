package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the ledger tables. It expects the participants and
// event_groups tables.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	event_type           TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED', 'FULL')),
	start_time           TIMESTAMPTZ NOT NULL,
	end_time             TIMESTAMPTZ NOT NULL,
	max_participants     INTEGER CHECK (max_participants IS NULL OR max_participants > 0),
	current_participants INTEGER NOT NULL DEFAULT 0 CHECK (current_participants >= 0),
	join_code            TEXT NOT NULL UNIQUE,
	join_code_issued_at  TIMESTAMPTZ NOT NULL,
	group_id             TEXT REFERENCES event_groups(id) ON DELETE SET NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (end_time > start_time)
);
ALTER TABLE events ADD COLUMN IF NOT EXISTS group_id TEXT REFERENCES event_groups(id) ON DELETE SET NULL;
CREATE INDEX IF NOT EXISTS idx_events_group ON events(group_id);

CREATE TABLE IF NOT EXISTS registrations (
	id             TEXT PRIMARY KEY,
	event_id       TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
	confirmed_at   TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PRESENT',
	UNIQUE (event_id, participant_id)
);
CREATE INDEX IF NOT EXISTS idx_registrations_participant ON registrations(participant_id);

CREATE TABLE IF NOT EXISTS retired_join_codes (
	event_id   TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	code       TEXT NOT NULL,
	retired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (event_id, code)
);
`

const eventColumns = `id, name, description, event_type, status, start_time, end_time,
	max_participants, current_participants, join_code, join_code_issued_at, group_id, created_at`

const registrationColumns = `id, event_id, participant_id, confirmed_at, status`

// Postgres error codes the ledger reacts to.
const (
	pgUniqueViolation = "23505"
)

// Repository persists the ledger in Postgres.
type Repository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewRepository creates a repo. Row lock waits inside WithinEvent give up
// after lockTimeout.
func NewRepository(db *sql.DB, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Repository{db: db, lockTimeout: lockTimeout}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var (
		ev       Event
		capacity sql.NullInt32
		group    sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.Name, &ev.Description, &ev.EventType, &ev.Status, &ev.StartTime, &ev.EndTime,
		&capacity, &ev.CurrentParticipants, &ev.JoinCode, &ev.JoinCodeIssuedAt, &group, &ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.GroupID = group.String
	if capacity.Valid {
		n := int(capacity.Int32)
		ev.MaxParticipants = &n
	}
	return ev, nil
}

func scanRegistration(row scanner) (Registration, error) {
	var reg Registration
	err := row.Scan(&reg.ID, &reg.EventID, &reg.ParticipantID, &reg.ConfirmedAt, &reg.Status)
	return reg, err
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEvent writes a new event.
func (r *Repository) InsertEvent(ctx context.Context, ev Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, ev.ID, ev.Name, ev.Description, ev.EventType, string(ev.Status), ev.StartTime, ev.EndTime,
		nullableInt(ev.MaxParticipants), ev.CurrentParticipants, ev.JoinCode, ev.JoinCodeIssuedAt,
		nullableString(ev.GroupID), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns a single event by id.
func (r *Repository) GetEvent(ctx context.Context, id string) (Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// ListEvents returns all events ordered by creation time descending.
func (r *Repository) ListEvents(ctx context.Context) ([]Event, error) {
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id`)
}

// ListEventsByGroup returns a group's events by start time.
func (r *Repository) ListEventsByGroup(ctx context.Context, groupID string) ([]Event, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE group_id = $1 ORDER BY start_time ASC, id
	`, groupID)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// DeleteEvent removes an event; registrations and retired codes cascade.
func (r *Repository) DeleteEvent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// EventIDByCode finds the event currently holding code.
func (r *Repository) EventIDByCode(ctx context.Context, code string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM events WHERE join_code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find event by code: %w", err)
	}
	return id, nil
}

// CodeTaken reports whether code is held by any event or was held by eventID.
func (r *Repository) CodeTaken(ctx context.Context, code, eventID string) (bool, error) {
	return codeTaken(ctx, r.db, code, eventID)
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func codeTaken(ctx context.Context, q rowQuerier, code, eventID string) (bool, error) {
	var taken bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM events WHERE join_code = $1)
		    OR EXISTS (SELECT 1 FROM retired_join_codes WHERE event_id = $2 AND code = $1)
	`, code, eventID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check join code: %w", err)
	}
	return taken, nil
}

// GetRegistration returns one registration.
func (r *Repository) GetRegistration(ctx context.Context, id string) (Registration, error) {
	reg, err := scanRegistration(r.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, ErrRegistrationNotFound
	}
	if err != nil {
		return Registration{}, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// ListRegistrations returns an event's registrations in admission order.
func (r *Repository) ListRegistrations(ctx context.Context, eventID string) ([]Registration, error) {
	return r.queryRegistrations(ctx, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE event_id = $1 ORDER BY confirmed_at ASC, id
	`, eventID)
}

// ListRegistrationsByParticipant returns a participant's registrations, newest first.
func (r *Repository) ListRegistrationsByParticipant(ctx context.Context, participantID string) ([]Registration, error) {
	return r.queryRegistrations(ctx, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE participant_id = $1 ORDER BY confirmed_at DESC, id
	`, participantID)
}

func (r *Repository) queryRegistrations(ctx context.Context, query string, args ...any) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()
	var res []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		res = append(res, reg)
	}
	return res, rows.Err()
}

// SetRegistrationStatus updates the attendance outcome.
func (r *Repository) SetRegistrationStatus(ctx context.Context, id string, status AttendanceStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE registrations SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update registration status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

// WithinEvent locks the event row with SELECT ... FOR UPDATE for the whole
// transaction. Concurrent callers on the same row queue behind it until
// commit or rollback; other events are unaffected. The wait is capped by
// lock_timeout. fn must only query through tx: the transaction already holds
// a pool connection.
func (r *Repository) WithinEvent(ctx context.Context, eventID string, fn func(tx EventTx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	ev, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEventNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("lock event row: %w", err)
	}

	if err = fn(&pgEventTx{tx: tx, event: ev}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgEventTx struct {
	tx    *sql.Tx
	event Event
}

func (t *pgEventTx) Event() Event { return t.event }

func (t *pgEventTx) SaveEvent(ctx context.Context, ev Event) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE events
		SET status = $2, current_participants = $3, join_code = $4, join_code_issued_at = $5, group_id = $6
		WHERE id = $1
	`, t.event.ID, string(ev.Status), ev.CurrentParticipants, ev.JoinCode, ev.JoinCodeIssuedAt, nullableString(ev.GroupID))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

func (t *pgEventTx) HasRegistration(ctx context.Context, participantID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM registrations WHERE event_id = $1 AND participant_id = $2)`,
		t.event.ID, participantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

func (t *pgEventTx) CountRegistrations(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE event_id = $1`, t.event.ID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

func (t *pgEventTx) InsertRegistration(ctx context.Context, reg Registration) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO registrations (`+registrationColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, reg.ID, t.event.ID, reg.ParticipantID, reg.ConfirmedAt, string(reg.Status))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (t *pgEventTx) DeleteRegistration(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM registrations WHERE id = $1 AND event_id = $2`, id, t.event.ID)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

func (t *pgEventTx) RetireCode(ctx context.Context, code string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO retired_join_codes (event_id, code) VALUES ($1, $2)
		ON CONFLICT (event_id, code) DO NOTHING
	`, t.event.ID, code)
	if err != nil {
		return fmt.Errorf("retire join code: %w", err)
	}
	return nil
}

func (t *pgEventTx) CodeTaken(ctx context.Context, code string) (bool, error) {
	return codeTaken(ctx, t.tx, code, t.event.ID)
}
