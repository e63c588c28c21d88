// Package worker implements the progress-tracking Worker (C6): it
// polls the downloader for every active job, mutates rows through the
// Store, publishes lifecycle events, and drives completed transfers
// through finalization (library move + media-server refresh). Directly
// grounded on a worker pool's runOne/processJob
// shape — status-poll → classify → mutate → publish — with the
// success/retry/dead-letter trichotomy generalized to this domain's
// downloading/paused/complete/error/removed daemon states, plus a
// reconciliation sub-loop modeled on internal/reaper/reaper.go's
// scanOnce (liveness check + requeue, here handle-vs-row reconciliation
// instead of heartbeat-vs-processing-list).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/coordination"
	"github.com/mediaqueue/orchestrator/internal/downloader"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/obs"
	"github.com/mediaqueue/orchestrator/internal/store"
	"go.uber.org/zap"
)

// Store is the slice of *store.Store the worker needs.
type Store interface {
	ActiveJobs(ctx context.Context) ([]model.Job, error)
	Transition(ctx context.Context, id int64, from, to model.Status, fields store.TransitionFields) (model.Job, error)
	UpdateProgress(ctx context.Context, id int64, handle string, progress float64, speedBps, etaSeconds int64) error
	InsertAudit(ctx context.Context, rec model.AuditRecord) error
	GetJob(ctx context.Context, id int64) (model.Job, error)
}

// Downloader is the slice of *downloader.Client the worker needs.
type Downloader interface {
	Status(ctx context.Context, handle string) (downloader.Status, error)
	Pause(ctx context.Context, handle string) error
	Unpause(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	Purge(ctx context.Context, handle string) error
	TellActive(ctx context.Context) ([]string, error)
}

// Registry resolves a job's provider key for coordination lookups.
type Registry interface {
	KeyByID(id int64) (string, bool)
}

// MediaServer notifies the library-refresh collaborator (out of scope
// per spec.md §1; narrow injected interface).
type MediaServer interface {
	RefreshLibrary(ctx context.Context) error
}

// Worker runs the progress loop in parallel with the scheduler, on its
// own independent ticker (spec.md §5).
type Worker struct {
	cfg   *config.Config
	store Store
	dl    Downloader
	coord *coordination.Coordination
	reg   Registry
	media MediaServer
	bus   *eventbus.Bus
	log   *zap.Logger
	mover FileMover

	lastPublish map[int64]time.Time
}

func New(cfg *config.Config, st Store, dl Downloader, coord *coordination.Coordination, reg Registry, media MediaServer, bus *eventbus.Bus, log *zap.Logger) *Worker {
	return &Worker{
		cfg: cfg, store: st, dl: dl, coord: coord, reg: reg, media: media, bus: bus, log: log,
		mover:       osFileMover{},
		lastPublish: map[int64]time.Time{},
	}
}

// Run executes the poll loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.App.WorkerTick)
	defer ticker.Stop()
	reconcileTicker := time.NewTicker(30 * time.Second)
	defer reconcileTicker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-reconcileTicker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	jobs, err := w.store.ActiveJobs(ctx)
	if err != nil {
		w.log.Error("worker: list active jobs", obs.Err(err))
		return
	}
	for _, job := range jobs {
		if job.DownloaderHandle == "" {
			continue
		}
		w.pollOne(ctx, job)
	}
}

func (w *Worker) pollOne(ctx context.Context, job model.Job) {
	st, err := w.dl.Status(ctx, job.DownloaderHandle)
	if err != nil {
		w.log.Warn("worker: status poll failed", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	switch st.State {
	case downloader.StateActive:
		w.handleActive(ctx, job, st)
	case downloader.StatePaused:
		w.handlePaused(ctx, job)
	case downloader.StateComplete:
		w.handleComplete(ctx, job, st)
	case downloader.StateError:
		w.handleError(ctx, job, st)
	case downloader.StateRemoved:
		w.handleRemoved(ctx, job)
	case downloader.StateWaiting:
		// no terminal-adjacent action; still queued on the daemon side.
	}
}

func (w *Worker) handleActive(ctx context.Context, job model.Job, st downloader.Status) {
	progress := 0.0
	if st.TotalBytes > 0 {
		progress = float64(st.CompletedBytes) / float64(st.TotalBytes) * 100
	}
	var eta int64
	if st.DownloadSpeed > 0 && st.TotalBytes > st.CompletedBytes {
		eta = (st.TotalBytes - st.CompletedBytes) / st.DownloadSpeed
	}
	if err := w.store.UpdateProgress(ctx, job.ID, job.DownloaderHandle, progress, st.DownloadSpeed, eta); err != nil {
		w.log.Warn("worker: update progress", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	if job.Status != model.StatusDownloading {
		if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusDownloading, store.TransitionFields{}); err != nil {
			w.log.Warn("worker: transition to downloading", obs.Err(err), zap.Int64("job_id", job.ID))
			return
		}
	}
	w.publishRateLimited(job.ID, job.UserID, eventbus.JobUpdated, map[string]any{"progress": progress, "speed_bps": st.DownloadSpeed, "eta_seconds": eta})
}

func (w *Worker) handlePaused(ctx context.Context, job model.Job) {
	if job.Status == model.StatusPaused {
		return
	}
	if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusPaused, store.TransitionFields{}); err != nil {
		w.log.Warn("worker: transition to paused", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.JobPaused, UserID: job.UserID, JobID: job.ID})
}

func (w *Worker) handleError(ctx context.Context, job model.Job, st downloader.Status) {
	transient := classifyDaemonError(st.ErrorCode)
	key, _ := w.reg.KeyByID(job.ProviderID)
	if transient {
		if key != "" {
			if _, err := w.coord.Trip(ctx, key, st.ErrorMessage, w.cfg.BackoffInitial(key), w.cfg.Backoff.Max); err != nil {
				w.log.Warn("worker: trip backoff", obs.Err(err))
			}
		}
		if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusQueued, store.TransitionFields{ClearHandle: true}); err != nil {
			w.log.Warn("worker: requeue after transient error", obs.Err(err), zap.Int64("job_id", job.ID))
			return
		}
		obs.JobsReturnedToQueue.Inc()
		w.bus.Publish(eventbus.Event{Type: eventbus.JobUpdated, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"status": "queued", "error_text": "rate limited, retrying"}})
		return
	}
	errText := st.ErrorMessage
	if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusFailed, store.TransitionFields{ErrorText: &errText, ClearHandle: true}); err != nil {
		w.log.Warn("worker: transition to failed", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	obs.JobsFailed.Inc()
	_ = w.store.InsertAudit(ctx, model.AuditRecord{Actor: "worker", Action: "job.failed", SubjectType: "job", SubjectID: fmt.Sprintf("%d", job.ID), Payload: map[string]any{"error": errText}})
	w.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"error_text": errText}})
}

func classifyDaemonError(code string) bool {
	switch code {
	case "rate_limit", "timeout", "auth_expired", "upstream_5xx", "":
		return true
	default:
		return false
	}
}

func (w *Worker) handleRemoved(ctx context.Context, job model.Job) {
	if job.Status.Terminal() {
		return
	}
	if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusCanceled, store.TransitionFields{ClearHandle: true}); err != nil {
		w.log.Warn("worker: transition to canceled", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	obs.JobsCanceled.Inc()
	w.bus.Publish(eventbus.Event{Type: eventbus.JobCanceled, UserID: job.UserID, JobID: job.ID})
}

// publishRateLimited caps updates to at most one per job per ~500ms to
// protect subscribers (spec.md §4.6 step 4).
func (w *Worker) publishRateLimited(jobID, userID int64, t eventbus.Type, payload map[string]any) {
	now := time.Now()
	if last, ok := w.lastPublish[jobID]; ok && now.Sub(last) < 500*time.Millisecond {
		return
	}
	w.lastPublish[jobID] = now
	w.bus.Publish(eventbus.Event{Type: t, UserID: userID, JobID: jobID, Payload: payload})
}

// reconcile scans for stray downloader handles (no matching job row)
// and purges them, and for downloading jobs whose handle the daemon no
// longer knows about (failed(state lost)); modeled on
// internal/reaper/reaper.go's scanOnce liveness-check-and-requeue shape.
func (w *Worker) reconcile(ctx context.Context) {
	activeHandles, err := w.dl.TellActive(ctx)
	if err != nil {
		w.log.Warn("worker: reconcile tellActive failed", obs.Err(err))
		return
	}
	known := map[string]bool{}
	jobs, err := w.store.ActiveJobs(ctx)
	if err != nil {
		w.log.Warn("worker: reconcile list active jobs failed", obs.Err(err))
		return
	}
	jobByHandle := map[string]model.Job{}
	for _, j := range jobs {
		if j.DownloaderHandle != "" {
			known[j.DownloaderHandle] = true
			jobByHandle[j.DownloaderHandle] = j
		}
	}
	for _, h := range activeHandles {
		if !known[h] {
			_ = w.dl.Purge(ctx, h)
		}
	}
	activeSet := map[string]bool{}
	for _, h := range activeHandles {
		activeSet[h] = true
	}
	for handle, job := range jobByHandle {
		if job.Status != model.StatusDownloading {
			continue
		}
		if activeSet[handle] {
			continue
		}
		errText := "state lost: downloader no longer tracks this handle"
		if _, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusFailed, store.TransitionFields{ErrorText: &errText, ClearHandle: true}); err != nil {
			w.log.Warn("worker: reconcile fail lost job", obs.Err(err), zap.Int64("job_id", job.ID))
			continue
		}
		obs.JobsFailed.Inc()
		w.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"error_text": errText}})
	}
}

// PauseJob/ResumeJob/CancelJob/DeleteFile are called by the API layer's
// control-state handlers (owner/admin only, enforced by the caller).

// PauseJob pauses a downloading job via the downloader, then transitions
// the row (spec.md §4.6 / §8 scenario 3).
func (w *Worker) PauseJob(ctx context.Context, job model.Job) (model.Job, error) {
	if job.DownloaderHandle != "" {
		if err := w.dl.Pause(ctx, job.DownloaderHandle); err != nil {
			return model.Job{}, errkind.New(errkind.Downloader, "pause failed", err)
		}
	}
	return w.store.Transition(ctx, job.ID, job.Status, model.StatusPaused, store.TransitionFields{})
}

// ResumeJob resumes a paused job: it unpauses the downloader handle and
// moves the job straight back to downloading, with its stored
// priority/position unchanged. The job does not pass through queued.
func (w *Worker) ResumeJob(ctx context.Context, job model.Job) (model.Job, error) {
	if job.DownloaderHandle != "" {
		if err := w.dl.Unpause(ctx, job.DownloaderHandle); err != nil {
			return model.Job{}, errkind.New(errkind.Downloader, "unpause failed", err)
		}
	}
	return w.store.Transition(ctx, job.ID, job.Status, model.StatusDownloading, store.TransitionFields{})
}

// CancelJob removes any downloader handle (best-effort) and transitions
// the job to canceled regardless of downloader outcome (spec.md §5).
func (w *Worker) CancelJob(ctx context.Context, job model.Job) (model.Job, error) {
	if job.Status.Terminal() {
		return job, nil // idempotent: cancel on canceled is a no-op (spec.md §8)
	}
	if job.DownloaderHandle != "" {
		_ = w.dl.Remove(ctx, job.DownloaderHandle)
	}
	updated, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusCanceled, store.TransitionFields{ClearHandle: true})
	if err != nil {
		return model.Job{}, err
	}
	obs.JobsCanceled.Inc()
	w.bus.Publish(eventbus.Event{Type: eventbus.JobCanceled, UserID: job.UserID, JobID: job.ID})
	return updated, nil
}

// DeleteFile removes a completed job's file (best-effort), clears
// final_path, and transitions to deleted. Idempotent: deleting an
// already-deleted job is a no-op (spec.md §4.6/§8).
func (w *Worker) DeleteFile(ctx context.Context, job model.Job) (model.Job, error) {
	if job.Status == model.StatusDeleted {
		return job, nil
	}
	if job.FinalPath != "" {
		if err := w.mover.Remove(job.FinalPath); err != nil {
			w.log.Warn("worker: best-effort file delete failed", obs.Err(err), zap.Int64("job_id", job.ID))
		}
	}
	empty := ""
	updated, err := w.store.Transition(ctx, job.ID, job.Status, model.StatusDeleted, store.TransitionFields{FinalPath: &empty})
	if err != nil {
		return model.Job{}, err
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.JobDeleted, UserID: job.UserID, JobID: job.ID})
	return updated, nil
}
