package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/stretchr/testify/require"
)

func TestWriterAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := New(config.Audit{Enabled: true, LogPath: path, RotateSize: 10 * 1024 * 1024, MaxBackups: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.Write(model.AuditRecord{Actor: "tester", Action: "job.failed", SubjectType: "job", SubjectID: "1"}))
	require.NoError(t, w.Write(model.AuditRecord{Actor: "tester", Action: "job.completed", SubjectType: "job", SubjectID: "2"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []model.AuditRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec model.AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "job.failed", lines[0].Action)
	require.Equal(t, "job.completed", lines[1].Action)
}

func TestWriterDisabledIsNoOp(t *testing.T) {
	w, err := New(config.Audit{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, w.Write(model.AuditRecord{Actor: "tester", Action: "noop"}))
	require.NoError(t, w.Close())
}
