package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store persists the local session id to external session id mapping and the
// working-directory binding, so conversations survive a process restart.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// record is one persisted session row.
type record struct {
	ID         string
	ExternalID string
	WorkDir    string
}

func (s *Store) get(ctx context.Context, id string) (*record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, work_dir FROM sessions WHERE id = ?`, id)
	var rec record
	if err := row.Scan(&rec.ID, &rec.ExternalID, &rec.WorkDir); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) upsert(ctx context.Context, rec record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, external_id, work_dir)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			work_dir = excluded.work_dir,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.ExternalID, rec.WorkDir)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
