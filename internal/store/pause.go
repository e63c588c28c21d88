package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mediaqueue/orchestrator/internal/model"
)

// PausePut sets (or replaces) a provider pause, matching the
// admin-mutation handler style (internal/api's admin handlers write a
// single durable row per admin action, not an append-only log).
func (s *Store) PausePut(ctx context.Context, providerKey, pausedBy, note string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO provider_pause (provider_key, paused_by, paused_at, note)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(provider_key) DO UPDATE SET paused_by = excluded.paused_by, paused_at = excluded.paused_at, note = excluded.note`,
			providerKey, pausedBy, time.Now().UTC(), note)
		return err
	})
}

// PauseClear removes a provider pause; a no-op if none exists.
func (s *Store) PauseClear(ctx context.Context, providerKey string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM provider_pause WHERE provider_key = ?`, providerKey)
		return err
	})
}

// PauseFind returns the pause entry for a provider, if any.
func (s *Store) PauseFind(ctx context.Context, providerKey string) (model.ProviderPause, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT provider_key, paused_by, paused_at, note FROM provider_pause WHERE provider_key = ?`, providerKey)
	var p model.ProviderPause
	var note sql.NullString
	err := row.Scan(&p.ProviderKey, &p.PausedBy, &p.PausedAt, &note)
	if err == sql.ErrNoRows {
		return model.ProviderPause{}, false, nil
	}
	if err != nil {
		return model.ProviderPause{}, false, fmt.Errorf("pause find: %w", err)
	}
	p.Note = note.String
	return p, true, nil
}

// PauseActive lists every currently paused provider key.
func (s *Store) PauseActive(ctx context.Context) ([]model.ProviderPause, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_key, paused_by, paused_at, note FROM provider_pause`)
	if err != nil {
		return nil, fmt.Errorf("pause active: %w", err)
	}
	defer rows.Close()
	var out []model.ProviderPause
	for rows.Next() {
		var p model.ProviderPause
		var note sql.NullString
		if err := rows.Scan(&p.ProviderKey, &p.PausedBy, &p.PausedAt, &note); err != nil {
			return nil, err
		}
		p.Note = note.String
		out = append(out, p)
	}
	return out, rows.Err()
}
