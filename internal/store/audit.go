package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediaqueue/orchestrator/internal/model"
)

// InsertAudit appends an audit record (spec.md §3 AuditRecord). The
// scheduler and worker write one when they fail a job, the bulk resolver
// when it settles a task, and the API for every mutating request;
// completed transitions are not audited. The Store's append-only table
// is one of the audit writer's two sinks (see internal/audit).
func (s *Store) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("insert audit: marshal payload: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (actor, action, subject_type, subject_id, payload, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Actor, rec.Action, rec.SubjectType, rec.SubjectID, string(payload), at)
		return err
	})
}

// ListAudit returns the most recent audit records, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, actor, action, subject_type, subject_id, payload, at FROM audit_log ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.SubjectType, &rec.SubjectID, &payload, &rec.At); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("list audit: unmarshal payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
