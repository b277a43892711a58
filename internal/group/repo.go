package group

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema creates the event_groups table. Apply it before the ledger schema,
// which references it.
const Schema = `
CREATE TABLE IF NOT EXISTS event_groups (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const columns = `id, name, description, created_at`

// Store persists groups. Membership lives on the events.
type Store interface {
	Insert(ctx context.Context, g Group) error
	Get(ctx context.Context, id string) (Group, error)
	List(ctx context.Context) ([]Group, error)
	Delete(ctx context.Context, id string) error
}

// Repository persists groups in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func scan(row interface{ Scan(...any) error }) (Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	return g, err
}

func (r *Repository) Insert(ctx context.Context, g Group) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_groups (`+columns+`) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Name, g.Description, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Group, error) {
	g, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM event_groups WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// List returns groups newest first.
func (r *Repository) List(ctx context.Context) ([]Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM event_groups ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		g, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Delete removes a group. Member events keep existing with group_id cleared.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM event_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
