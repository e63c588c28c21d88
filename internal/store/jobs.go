package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/model"
)

// InsertItem is one requested item of a POST /queue or bulk-resolver batch.
type InsertItem struct {
	ProviderKey string
	ExternalID  string
	Title       string
	Metadata    model.Metadata
	Priority    int
	Category    model.Category
}

// InsertResult reports what InsertJobs actually did, including any
// title-token duplicates spotted at insert time (spec.md §8 scenario 5).
type InsertResult struct {
	Inserted   []int64
	Duplicates []string
}

// InsertJobs atomically inserts a batch of jobs for userID, rejecting the
// whole batch if any provider key is unknown. position is filled as
// max(position)+1 within the active (non-terminal) set, per job, in
// insertion order so a batch never collides on position.
func (s *Store) InsertJobs(ctx context.Context, userID int64, items []InsertItem, providerIDByKey map[string]int64) (InsertResult, error) {
	var out InsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = InsertResult{}
		var nextPos int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM jobs WHERE status NOT IN ('completed','failed','canceled','deleted')`).Scan(&nextPos); err != nil {
			return fmt.Errorf("insert jobs: scan max position: %w", err)
		}

		now := time.Now().UTC()
		for _, item := range items {
			providerID, ok := providerIDByKey[item.ProviderKey]
			if !ok {
				return errkind.New(errkind.Validation, fmt.Sprintf("unknown provider key %q", item.ProviderKey), nil)
			}
			priority := item.Priority
			if priority == 0 {
				priority = model.DefaultPriority
			}
			meta := model.NormalizeMetadata(item.Metadata)
			metaJSON, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("insert jobs: marshal metadata: %w", err)
			}
			category := item.Category
			if category == "" {
				category = model.CategoryOther
			}

			dupes, err := findTitleDuplicatesTx(ctx, tx, item.Title)
			if err != nil {
				return err
			}
			out.Duplicates = append(out.Duplicates, dupes...)

			res, err := tx.ExecContext(ctx, `
				INSERT INTO jobs (user_id, provider_id, external_id, title, category, metadata,
					priority, position, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				userID, providerID, item.ExternalID, item.Title, string(category), string(metaJSON),
				priority, nextPos, string(model.StatusQueued), now, now)
			if err != nil {
				return fmt.Errorf("insert jobs: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert jobs: last insert id: %w", err)
			}
			out.Inserted = append(out.Inserted, id)
			nextPos++
		}
		return nil
	})
	return out, err
}

func findTitleDuplicatesTx(ctx context.Context, tx *sql.Tx, title string) ([]string, error) {
	token := strings.TrimSpace(title)
	if token == "" {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT title FROM jobs WHERE title = ? AND status = ?`, token, string(model.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("find duplicates: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindExistingByTitleTokens supports the duplicate-warning read path
// outside of an insert (spec.md §4.1).
func (s *Store) FindExistingByTitleTokens(ctx context.Context, title string) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+` FROM jobs WHERE title = ? AND status NOT IN ('failed','canceled') ORDER BY created_at DESC LIMIT 20`, strings.TrimSpace(title))
	if err != nil {
		return nil, fmt.Errorf("find existing by title: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// statusRankSQL mirrors model.StatusRank as a SQL CASE expression so
// ordering happens in the database, matching spec.md §4.1's canonical
// ordering (downloading=0 ... deleted=7).
const statusRankSQL = `CASE status
	WHEN 'downloading' THEN 0
	WHEN 'starting' THEN 1
	WHEN 'paused' THEN 2
	WHEN 'queued' THEN 3
	WHEN 'completed' THEN 4
	WHEN 'failed' THEN 5
	WHEN 'canceled' THEN 6
	WHEN 'deleted' THEN 7
	ELSE 8 END`

// ClaimNextRunnable atomically claims up to limit queued jobs, excluding
// any bound to a provider id present in excludedProviderIDs (paused or
// backed-off), and transitions them to starting. Ordering follows
// priority ASC, position ASC, created_at ASC, id ASC per spec.md §4.5.
func (s *Store) ClaimNextRunnable(ctx context.Context, limit int, excludedProviderIDs []int64) ([]model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		placeholders, args := inClause(excludedProviderIDs)
		query := fmt.Sprintf(`SELECT id FROM jobs WHERE status = 'queued'`)
		if placeholders != "" {
			query += fmt.Sprintf(` AND provider_id NOT IN (%s)`, placeholders)
		}
		query += ` ORDER BY priority ASC, position ASC, created_at ASC, id ASC LIMIT ?`
		args = append(args, limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("claim next runnable: select: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		idPlaceholders, idArgs := inClause(ids)
		now := time.Now().UTC()
		updateArgs := append([]interface{}{string(model.StatusStarting), now}, idArgs...)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id IN (%s) AND status = 'queued'`, idPlaceholders),
			updateArgs...)
		if err != nil {
			return fmt.Errorf("claim next runnable: update: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != int64(len(ids)) {
			return errkind.New(errkind.Store, "claim raced with a concurrent scheduler", nil)
		}

		rows2, err := tx.QueryContext(ctx, jobSelectColumns+fmt.Sprintf(` FROM jobs WHERE id IN (%s) ORDER BY priority ASC, position ASC, created_at ASC, id ASC`, idPlaceholders), idArgs...)
		if err != nil {
			return fmt.Errorf("claim next runnable: reselect: %w", err)
		}
		defer rows2.Close()
		claimed, err = scanJobs(rows2)
		return err
	})
	return claimed, err
}

func inClause(ids []int64) (string, []interface{}) {
	if len(ids) == 0 {
		return "", nil
	}
	parts := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		parts[i] = "?"
		args[i] = id
	}
	return strings.Join(parts, ","), args
}

// TransitionFields carries the optional column updates a transition may
// apply alongside the status change (spec.md §4.1/§4.5/§4.6).
type TransitionFields struct {
	Handle        *string
	TmpPath       *string
	FinalPath     *string
	FileSizeBytes *int64
	ErrorText     *string
	Progress      *float64
	Metadata      model.Metadata
	ClearHandle   bool
}

// Transition performs a compare-and-set on status: it only applies when
// the row's current status equals from and CanTransition(from, to)
// holds. A status mismatch (or a missing row) returns a Store conflict
// error; an illegal edge returns a Validation error.
func (s *Store) Transition(ctx context.Context, id int64, from, to model.Status, fields TransitionFields) (model.Job, error) {
	var out model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id)
		var current string
		if err := row.Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return errkind.New(errkind.Store, fmt.Sprintf("job %d not found", id), nil)
			}
			return fmt.Errorf("transition: select: %w", err)
		}
		if model.Status(current) != from {
			return errkind.New(errkind.Store, fmt.Sprintf("job %d expected status %s, found %s", id, from, current), nil)
		}
		if !model.CanTransition(from, to) {
			return errkind.New(errkind.Validation, fmt.Sprintf("illegal transition %s -> %s", from, to), nil)
		}

		now := time.Now().UTC()
		set := []string{"status = ?", "updated_at = ?"}
		args := []interface{}{string(to), now}

		if fields.Handle != nil {
			set = append(set, "downloader_handle = ?")
			args = append(args, *fields.Handle)
		}
		if fields.ClearHandle {
			set = append(set, "downloader_handle = NULL")
		}
		if fields.TmpPath != nil {
			set = append(set, "tmp_path = ?")
			args = append(args, *fields.TmpPath)
		}
		if fields.FinalPath != nil {
			set = append(set, "final_path = ?")
			args = append(args, *fields.FinalPath)
		}
		if fields.FileSizeBytes != nil {
			set = append(set, "file_size_bytes = ?")
			args = append(args, *fields.FileSizeBytes)
		}
		if fields.ErrorText != nil {
			set = append(set, "error_text = ?")
			args = append(args, *fields.ErrorText)
		}
		if fields.Progress != nil {
			set = append(set, "progress = ?")
			args = append(args, *fields.Progress)
		}
		if fields.Metadata != nil {
			metaJSON, err := json.Marshal(model.NormalizeMetadata(fields.Metadata))
			if err != nil {
				return fmt.Errorf("transition: marshal metadata: %w", err)
			}
			set = append(set, "metadata = ?")
			args = append(args, string(metaJSON))
		}
		if to == model.StatusDeleted {
			set = append(set, "deleted_at = ?")
			args = append(args, now)
		}

		args = append(args, id)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(set, ", ")), args...)
		if err != nil {
			return fmt.Errorf("transition: update: %w", err)
		}

		row2 := tx.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
		out, err = scanJob(row2)
		return err
	})
	return out, err
}

// UpdateProgress applies a progress/speed/eta update, idempotent on
// (id, handle): an update carrying a stale handle from a superseded
// download attempt is not applied, so it cannot corrupt a newer attempt's
// numbers, and a Store error is returned.
func (s *Store) UpdateProgress(ctx context.Context, id int64, handle string, progress float64, speedBps, etaSeconds int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET progress = ?, speed_bps = ?, eta_seconds = ?, updated_at = ?
			WHERE id = ? AND (downloader_handle = ? OR downloader_handle IS NULL)`,
			progress, speedBps, etaSeconds, time.Now().UTC(), id, handle)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errkind.New(errkind.Store, fmt.Sprintf("job %d: stale handle, progress update dropped", id), nil)
		}
		return nil
	})
}

// ListPaged returns jobs visible to the caller, ordered per spec.md §4.1:
// active states before queued, then terminal; within a band by priority,
// position, then recency.
func (s *Store) ListPaged(ctx context.Context, isAdmin bool, userID int64, mineOnly bool, limit, offset int) ([]model.Job, int, error) {
	where := "1=1"
	args := []interface{}{}
	if !isAdmin || mineOnly {
		where = "user_id = ?"
		args = append(args, userID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM jobs WHERE %s`, where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list paged: count: %w", err)
	}

	query := fmt.Sprintf(jobSelectColumns+` FROM jobs WHERE %s ORDER BY %s ASC, priority ASC, position ASC, created_at DESC LIMIT ? OFFSET ?`, where, statusRankSQL)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list paged: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

// ActiveJobs returns jobs in starting, downloading, or paused — the set
// the scheduler's capacity check and the worker's poll loop both need.
func (s *Store) ActiveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+` FROM jobs WHERE status IN ('starting','downloading','paused') ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountClaimable returns the number of queued jobs eligible for claim,
// used by the C10 scheduler_claimable_jobs gauge.
func (s *Store) CountClaimable(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	return n, err
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdatePriority rewrites a single job's priority, whatever its status
// (PATCH /jobs/{id}/priority, spec.md §6). Position is untouched;
// priority only affects claim order while a job remains queued
// (spec.md §4.5).
func (s *Store) UpdatePriority(ctx context.Context, id int64, priority int) (model.Job, error) {
	var out model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET priority = ?, updated_at = ? WHERE id = ?`, priority, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("update priority: %w", err)
		}
		n, rerr := res.RowsAffected()
		if rerr != nil {
			return rerr
		}
		if n == 0 {
			return errkind.New(errkind.Store, fmt.Sprintf("job %d not found", id), nil)
		}
		row := tx.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
		out, err = scanJob(row)
		return err
	})
	return out, err
}

// Reorder rewrites `position` to a contiguous 1-based sequence following
// the order of ids given, skipping any id that is no longer `queued`
// (spec.md §9 Open Questions: "the source silently skips them... the
// spec adopts the same behavior"). Applying the identical order twice
// yields identical positions (spec.md §8 idempotence).
func (s *Store) Reorder(ctx context.Context, order []int64) (int, error) {
	applied := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied = 0
		pos := 1
		for _, id := range order {
			var status string
			row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id)
			if err := row.Scan(&status); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return fmt.Errorf("reorder: select %d: %w", id, err)
			}
			if model.Status(status) != model.StatusQueued {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET position = ?, updated_at = ? WHERE id = ?`, pos, time.Now().UTC(), id); err != nil {
				return fmt.Errorf("reorder: update %d: %w", id, err)
			}
			pos++
			applied++
		}
		return nil
	})
	return applied, err
}

// Stats returns a count of jobs per status, used by GET /jobs/stats
// (spec.md §6).
func (s *Store) Stats(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	out := map[model.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

const jobSelectColumns = `SELECT id, user_id, provider_id, external_id, title, category, metadata,
	priority, position, status, progress, speed_bps, eta_seconds, downloader_handle,
	tmp_path, final_path, file_size_bytes, error_text, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var metaJSON string
	var handle, tmpPath, finalPath, errorText sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&j.ID, &j.UserID, &j.ProviderID, &j.ExternalID, &j.Title, &j.Category, &metaJSON,
		&j.Priority, &j.Position, &j.Status, &j.Progress, &j.SpeedBps, &j.ETASeconds, &handle,
		&tmpPath, &finalPath, &j.FileSizeBytes, &errorText, &j.CreatedAt, &j.UpdatedAt, &deletedAt)
	if err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &j.Metadata); err != nil {
		return model.Job{}, fmt.Errorf("scan job %d: unmarshal metadata: %w", j.ID, err)
	}
	j.DownloaderHandle = handle.String
	j.TmpPath = tmpPath.String
	j.FinalPath = finalPath.String
	j.ErrorText = errorText.String
	if deletedAt.Valid {
		j.DeletedAt = &deletedAt.Time
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
