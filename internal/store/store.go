// Package store implements the Store (C1): transactional persistence of
// jobs, bulk tasks, provider pauses, and the audit trail on top of
// database/sql + github.com/mattn/go-sqlite3, giving the BEGIN IMMEDIATE
// transactions the claim/transition operations need.
//
// The retry-on-busy shape is modeled on a worker pool's backoff()
// helper (internal/worker/worker.go): exponential, capped, applied around
// any statement that can return SQLITE_BUSY/SQLITE_LOCKED under
// contention from a second scheduler process.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"go.uber.org/zap"
)

// Store wraps the SQL connection pool and retry policy.
type Store struct {
	db       *sql.DB
	log      *zap.Logger
	maxTries int
	baseWait time.Duration
}

// Open opens (and migrates) the SQLite-backed store described by cfg.
// The DSN is given the `_txlock=immediate` driver parameter so every
// db.Begin() issues a real BEGIN IMMEDIATE rather than SQLite's default
// deferred lock, matching the SERIALIZABLE semantics §4.1 requires for
// claim/transition.
func Open(cfg config.Store, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", withImmediateTxLock(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // BEGIN IMMEDIATE + sqlite3's single-writer model
	s := &Store{
		db:       db,
		log:      log,
		maxTries: maxInt(cfg.MaxConnAttempts, 1),
		baseWait: cfg.RetryBaseDelay,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the underlying connection pool is reachable,
// used by the API's /system/health endpoint (spec.md §6).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// backoff mirrors internal/worker/worker.go's exponential backoff helper.
func backoff(attempt int, base time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := time.Duration(1<<uint(attempt-1)) * base
	cap := 2 * time.Second
	if d > cap || d < 0 {
		return cap
	}
	return d
}

func isBusy(err error) bool {
	return err != nil && (errors.Is(err, sql.ErrTxDone) ||
		containsAny(err.Error(), "database is locked", "SQLITE_BUSY", "SQLITE_LOCKED"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction, retrying on
// busy/locked errors with an exponential backoff shape.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxTries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt, s.baseWait)):
			}
		}
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
	}
	return errkind.New(errkind.Store, "retry exhausted", errors.Join(errkind.Unavailable, lastErr))
}

func (s *Store) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func withImmediateTxLock(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return dsn
	}
	sep := "?"
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '?' {
			sep = "&"
			break
		}
	}
	return dsn + sep + "_txlock=immediate"
}
