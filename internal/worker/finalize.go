package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mediaqueue/orchestrator/internal/downloader"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/obs"
	"github.com/mediaqueue/orchestrator/internal/store"
	"go.uber.org/zap"
)

// handleComplete runs finalization on a daemon-reported complete state:
// select the produced file, compute its library destination, move it,
// best-effort-refresh the media server, then transition to completed
// (or failed(finalization_error) on any failure) — spec.md §4.6.
func (w *Worker) handleComplete(ctx context.Context, job model.Job, st downloader.Status) {
	if job.Status == model.StatusCompleted {
		return
	}
	file, err := selectOutputFile(st.Files, w.cfg.Paths.Downloads)
	if err != nil {
		w.failFinalization(ctx, job, err)
		return
	}

	finalPath := computeFinalPath(w.cfg.Paths.Library, job, filepath.Ext(file.Path))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		w.failFinalization(ctx, job, fmt.Errorf("ensure library dir: %w", err))
		return
	}
	if err := w.mover.Move(file.Path, finalPath); err != nil {
		w.failFinalization(ctx, job, fmt.Errorf("move into library: %w", err))
		return
	}

	if w.media != nil {
		if err := w.media.RefreshLibrary(ctx); err != nil {
			// Media-server refresh errors are logged and audited only;
			// they never fail the job (spec.md §7 kind 7).
			w.log.Warn("worker: media server refresh failed", obs.Err(err), zap.Int64("job_id", job.ID))
			_ = w.store.InsertAudit(ctx, model.AuditRecord{Actor: "worker", Action: "media_server.refresh_failed", SubjectType: "job", SubjectID: fmt.Sprintf("%d", job.ID), Payload: map[string]any{"error": err.Error()}})
		}
	}

	progress := 100.0
	updated, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusCompleted, store.TransitionFields{
		FinalPath:     &finalPath,
		FileSizeBytes: &file.Length,
		Progress:      &progress,
		ClearHandle:   true,
	})
	if err != nil {
		w.log.Error("worker: transition to completed", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	obs.JobsCompleted.Inc()
	w.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, UserID: updated.UserID, JobID: updated.ID, Payload: map[string]any{"final_path": finalPath, "file_size_bytes": file.Length}})
}

func (w *Worker) failFinalization(ctx context.Context, job model.Job, cause error) {
	errText := errkind.New(errkind.Finalization, "finalization failed", cause).Error()
	if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusFailed, store.TransitionFields{ErrorText: &errText}); err != nil {
		w.log.Error("worker: transition to failed(finalization)", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	obs.JobsFailed.Inc()
	w.log.Warn("worker: finalization failed, temp file retained", obs.Err(cause), zap.Int64("job_id", job.ID))
	w.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"error_text": errText}})
}

// selectOutputFile picks the largest regular file the daemon reported,
// rejecting zero-byte files and path-traversal-suspicious outputs.
// The containment check is grounded on
// internal/producer/producer.go's strings.HasPrefix(abs, absRoot+...)
// safe-path check, reused here against the configured downloads root.
func selectOutputFile(files []downloader.File, downloadsRoot string) (downloader.File, error) {
	if len(files) == 0 {
		return downloader.File{}, fmt.Errorf("downloader reported no files")
	}
	absRoot, err := filepath.Abs(downloadsRoot)
	if err != nil {
		return downloader.File{}, fmt.Errorf("resolve downloads root: %w", err)
	}
	var best downloader.File
	found := false
	for _, f := range files {
		if f.Length <= 0 {
			continue
		}
		abs, err := filepath.Abs(f.Path)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) && abs != absRoot {
			continue
		}
		if !found || f.Length > best.Length {
			best, found = f, true
		}
	}
	if !found {
		return downloader.File{}, fmt.Errorf("no valid non-empty in-root file among %d reported", len(files))
	}
	return best, nil
}

var nonWord = regexp.MustCompile(`[^\w\s().-]`)

func sanitizePathComponent(s string) string {
	s = nonWord.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// computeFinalPath applies the category-driven naming template
// (spec.md §4.6 Finalization).
func computeFinalPath(libraryRoot string, job model.Job, ext string) string {
	lang := metaString(job.Metadata, "language")
	switch job.Category {
	case model.CategoryTV:
		series := metaStringOr(job.Metadata, "series_title", job.Title)
		season := metaInt(job.Metadata, "season")
		episode := metaInt(job.Metadata, "episode")
		episodeTitle := metaString(job.Metadata, "episode_title")
		name := fmt.Sprintf("%s - S%02dE%02d", series, season, episode)
		if episodeTitle != "" {
			name += " - " + episodeTitle
		}
		name = appendLanguage(name, lang)
		return filepath.Join(libraryRoot, "TV", sanitizePathComponent(series), fmt.Sprintf("Season %02d", season), sanitizePathComponent(name)+ext)
	case model.CategoryMovies:
		year := metaString(job.Metadata, "year")
		title := job.Title
		name := title
		if year != "" {
			name = fmt.Sprintf("%s (%s)", title, year)
		}
		name = appendLanguage(name, lang)
		dir := sanitizePathComponent(name)
		return filepath.Join(libraryRoot, "Movies", dir, sanitizePathComponent(name)+ext)
	default:
		return filepath.Join(libraryRoot, "Other", sanitizePathComponent(job.Title)+ext)
	}
}

func appendLanguage(name, lang string) string {
	if lang == "" || strings.Contains(strings.ToLower(name), strings.ToLower(lang)) {
		return name
	}
	return fmt.Sprintf("%s [%s]", name, lang)
}

func metaString(m model.Metadata, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func metaStringOr(m model.Metadata, key, fallback string) string {
	if s := metaString(m, key); s != "" {
		return s
	}
	return fallback
}

func metaInt(m model.Metadata, key string) int {
	if m == nil {
		return 0
	}
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

// FileMover abstracts the move step so finalize.go is testable without
// touching the real filesystem.
type FileMover interface {
	Move(src, dst string) error
	Remove(path string) error
}

// osFileMover implements try-rename-then-copy+verify+unlink, per
// spec.md §9 REDESIGN FLAGS ("File-system move behavior that assumes
// POSIX rename... implement as try-rename, fallback copy+verify+unlink
// for cross-device moves").
type osFileMover struct{}

func (osFileMover) Move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("verify source: %w", err)
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("verify destination: %w", err)
	}
	if srcInfo.Size() != dstInfo.Size() {
		_ = os.Remove(dst)
		return fmt.Errorf("size mismatch after copy: src=%d dst=%d", srcInfo.Size(), dstInfo.Size())
	}
	return os.Remove(src)
}

func (osFileMover) Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}
