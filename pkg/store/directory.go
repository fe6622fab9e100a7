package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Directory answers user existence and active checks from the users table.
type Directory struct {
	db DBTX
}

func NewDirectory(db DBTX) *Directory {
	return &Directory{db: db}
}

// UsersExistAndActive returns the subset of ids that exist and are active,
// in one query.
func (d *Directory) UsersExistAndActive(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := d.db.Query(ctx,
		`SELECT id FROM users WHERE id = ANY($1::text[]::uuid[]) AND is_active`,
		uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("users exist and active: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// UpsertUser creates or updates a directory entry.
func (d *Directory) UpsertUser(ctx context.Context, id uuid.UUID, displayName string, active bool) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO users (id, display_name, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET display_name = EXCLUDED.display_name, is_active = EXCLUDED.is_active
	`, id, displayName, active)
	return err
}
