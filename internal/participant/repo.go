package participant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the participants table. Apply it before the ledger schema.
const Schema = `
CREATE TABLE IF NOT EXISTS participants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL CHECK (role IN ('STUDENT', 'PROFESSOR', 'ADMIN')),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const columns = `id, name, email, password_hash, role, created_at`

// Store persists participants.
type Store interface {
	Insert(ctx context.Context, p Participant) error
	Get(ctx context.Context, id string) (Participant, error)
	GetByEmail(ctx context.Context, email string) (Participant, error)
	List(ctx context.Context) ([]Participant, error)
}

// Repository persists participants in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func scan(row interface{ Scan(...any) error }) (Participant, error) {
	var (
		p    Participant
		role string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.PasswordHash, &role, &p.CreatedAt)
	p.Role = Role(role)
	return p, err
}

func (r *Repository) Insert(ctx context.Context, p Participant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (`+columns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Email, p.PasswordHash, string(p.Role), p.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Participant, error) {
	return r.one(ctx, `SELECT `+columns+` FROM participants WHERE id = $1`, id)
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Participant, error) {
	return r.one(ctx, `SELECT `+columns+` FROM participants WHERE email = $1`, email)
}

func (r *Repository) one(ctx context.Context, query string, arg string) (Participant, error) {
	p, err := scan(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (r *Repository) List(ctx context.Context) ([]Participant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM participants ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
