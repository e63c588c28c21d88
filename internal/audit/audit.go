// Package audit provides the rotating JSON-lines half of the dual-sink
// audit writer described in SPEC_FULL.md §3. It pairs with
// internal/store/audit.go's SQL audit_log table: every mutating API
// call is recorded in both places, the file sink giving an
// append-only trail independent of the database. Grounded on the
// lumberjack-backed audit logger (formerly
// internal/rbac-and-tokens/audit.go, folded in here since the rest of
// that package's JWT/RBAC machinery is out of scope per spec.md §1).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/model"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer appends model.AuditRecord entries to a size-rotated log file.
type Writer struct {
	mu     sync.Mutex
	file   *lumberjack.Logger
	enabled bool
}

// New opens (or no-ops, if disabled) the rotating audit log described
// by cfg.
func New(cfg config.Audit) (*Writer, error) {
	if !cfg.Enabled {
		return &Writer{enabled: false}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	return &Writer{
		enabled: true,
		file: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    maxMB(cfg.RotateSize),
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		},
	}, nil
}

func maxMB(bytes int64) int {
	mb := int(bytes / (1024 * 1024))
	if mb < 1 {
		return 1
	}
	return mb
}

// Write appends one record as a single JSON line. A disabled writer is
// a silent no-op, matching a disabled AuditLogger.Log behavior.
func (w *Writer) Write(rec model.AuditRecord) error {
	if !w.enabled {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.file.Write(data)
	if err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	if !w.enabled {
		return nil
	}
	return w.file.Close()
}
