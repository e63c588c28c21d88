package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/model"
)

// InsertProvider creates a provider row. key is unique and immutable
// once created (spec.md §3 Provider).
func (s *Store) InsertProvider(ctx context.Context, key string, enabled bool, config []byte) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO providers (key, enabled, config) VALUES (?, ?, ?)`, key, enabled, config)
		if err != nil {
			return fmt.Errorf("insert provider: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// SetProviderEnabled flips a provider's visibility to search/scheduling.
func (s *Store) SetProviderEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE providers SET enabled = ? WHERE id = ?`, enabled, id)
		return err
	})
}

// ListProviders returns every configured provider.
func (s *Store) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key, enabled, config FROM providers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()
	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.Key, &p.Enabled, &p.Config); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProviderByKey looks up a provider by its unique key.
func (s *Store) GetProviderByKey(ctx context.Context, key string) (model.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, key, enabled, config FROM providers WHERE key = ?`, key)
	var p model.Provider
	err := row.Scan(&p.ID, &p.Key, &p.Enabled, &p.Config)
	if err == sql.ErrNoRows {
		return model.Provider{}, errkind.New(errkind.Validation, fmt.Sprintf("unknown provider key %q", key), nil)
	}
	return p, err
}

// DeleteProvider removes a provider, rejecting the delete if any
// non-terminal job still references it (spec.md §3 Provider invariant).
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE provider_id = ? AND status NOT IN ('completed','failed','canceled','deleted')`, id).Scan(&n)
		if err != nil {
			return fmt.Errorf("delete provider: count active jobs: %w", err)
		}
		if n > 0 {
			return errkind.New(errkind.Validation, "provider has non-terminal jobs", nil)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
		return err
	})
}
