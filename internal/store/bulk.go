package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/model"
)

// InsertBulkTask creates a pending BulkTask row (spec.md §4.8).
func (s *Store) InsertBulkTask(ctx context.Context, userID int64, items []model.BulkItem, opts model.BulkOptions) (int64, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("insert bulk task: marshal payload: %w", err)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return 0, fmt.Errorf("insert bulk task: marshal options: %w", err)
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO bulk_tasks (user_id, payload, options, status, total_items, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, string(payload), string(optsJSON), string(model.BulkPending), len(items), now, now)
		if err != nil {
			return fmt.Errorf("insert bulk task: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ClaimPendingBulkTask atomically moves one pending task to processing and
// returns it with its decoded item batch, or (model.BulkTask{}, false, nil)
// if none are pending.
func (s *Store) ClaimPendingBulkTask(ctx context.Context) (model.BulkTask, []model.BulkItem, bool, error) {
	var task model.BulkTask
	var items []model.BulkItem
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM bulk_tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1`, string(model.BulkPending)).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim pending bulk task: select: %w", err)
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE bulk_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.BulkProcessing), now, id, string(model.BulkPending))
		if err != nil {
			return fmt.Errorf("claim pending bulk task: update: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil // raced with another claimer; nothing to do this tick
		}
		row := tx.QueryRowContext(ctx, bulkSelectColumns+` FROM bulk_tasks WHERE id = ?`, id)
		var payload string
		task, payload, err = scanBulkTask(row)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(payload), &items); err != nil {
			return fmt.Errorf("claim pending bulk task: unmarshal payload: %w", err)
		}
		found = true
		return nil
	})
	return task, items, found, err
}

// UpdateBulkProgress increments processed/failed counters after each item.
func (s *Store) UpdateBulkProgress(ctx context.Context, id int64, processedDelta, failedDelta int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE bulk_tasks SET processed_items = processed_items + ?, failed_items = failed_items + ?, updated_at = ?
			WHERE id = ?`, processedDelta, failedDelta, time.Now().UTC(), id)
		return err
	})
}

// MarkBulkCompleted transitions a task to its terminal completed state.
func (s *Store) MarkBulkCompleted(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE bulk_tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(model.BulkCompleted), time.Now().UTC(), id)
		return err
	})
}

// MarkBulkFailed transitions a task to its terminal failed state with an
// explanatory error_text (fatal provider/store errors only; per-item
// failures are tracked via UpdateBulkProgress instead).
func (s *Store) MarkBulkFailed(ctx context.Context, id int64, errText string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE bulk_tasks SET status = ?, error_text = ?, updated_at = ? WHERE id = ?`,
			string(model.BulkFailed), errText, time.Now().UTC(), id)
		return err
	})
}

// GetBulkTask fetches a single bulk task by id.
func (s *Store) GetBulkTask(ctx context.Context, id int64) (model.BulkTask, error) {
	row := s.db.QueryRowContext(ctx, bulkSelectColumns+` FROM bulk_tasks WHERE id = ?`, id)
	task, _, err := scanBulkTask(row)
	if err != nil && err == sql.ErrNoRows {
		return model.BulkTask{}, errkind.New(errkind.Validation, fmt.Sprintf("bulk task %d not found", id), nil)
	}
	return task, err
}

const bulkSelectColumns = `SELECT id, user_id, payload, options, status, total_items, processed_items, failed_items, error_text, created_at, updated_at`

func scanBulkTask(row rowScanner) (model.BulkTask, string, error) {
	var t model.BulkTask
	var payload, options string
	var errText sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &payload, &options, &t.Status, &t.TotalItems, &t.ProcessedItems, &t.FailedItems, &errText, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.BulkTask{}, "", err
	}
	if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
		return model.BulkTask{}, "", fmt.Errorf("scan bulk task: unmarshal options: %w", err)
	}
	t.ErrorText = errText.String
	return t, payload, nil
}
