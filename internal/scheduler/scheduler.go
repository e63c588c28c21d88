// Package scheduler implements the admission loop (C5): the hard core
// that binds queued jobs to the downloader backend under concurrency,
// free-space, pause, and backoff constraints. The tick loop (read
// config → compute capacity → check free space → snapshot pause/backoff
// → claim batch → resolve+bind each job) is modeled directly on a
// worker pool's runOne loop structure: a `for ctx.Err() == nil` loop, a
// per-iteration gate (there: breaker.Allow, here: capacity and
// free-space), bounded sleeps between iterations, and per-job tracing
// spans the same way a processJob loop would.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/coordination"
	"github.com/mediaqueue/orchestrator/internal/downloader"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/obs"
	"github.com/mediaqueue/orchestrator/internal/providers"
	"github.com/mediaqueue/orchestrator/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store is the slice of *store.Store the scheduler needs.
type Store interface {
	ActiveJobs(ctx context.Context) ([]model.Job, error)
	ClaimNextRunnable(ctx context.Context, limit int, excludedProviderIDs []int64) ([]model.Job, error)
	Transition(ctx context.Context, id int64, from, to model.Status, fields store.TransitionFields) (model.Job, error)
	InsertAudit(ctx context.Context, rec model.AuditRecord) error
}

// Registry is the slice of *providers.Registry the scheduler needs.
type Registry interface {
	IDsByKeys(keys []string) map[string]int64
	Resolvable(key string) (providers.Resolvable, error)
	KeyByID(id int64) (string, bool)
}

// Downloader is the slice of *downloader.Client the scheduler needs.
type Downloader interface {
	AddURI(ctx context.Context, urls []string, opts downloader.AddOptions) (string, error)
}

// Scheduler runs the admission loop as a long-lived task. Only a single
// instance is supported per node (spec.md §4.5); the Store's compare-
// and-set claim keeps a second instance safe but degrades liveness.
type Scheduler struct {
	cfg    *config.Config
	store  Store
	coord  *coordination.Coordination
	reg    Registry
	dl     Downloader
	bus    *eventbus.Bus
	log    *zap.Logger

	spacingMu sync.Mutex
	spacing   map[string]*rate.Limiter
}

func New(cfg *config.Config, st Store, coord *coordination.Coordination, reg Registry, dl Downloader, bus *eventbus.Bus, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, coord: coord, reg: reg, dl: dl, bus: bus, log: log, spacing: map[string]*rate.Limiter{}}
}

// Run executes the tick loop until ctx is canceled (spec.md §4.5).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.App.SchedulerTick)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	active, err := s.store.ActiveJobs(ctx)
	if err != nil {
		s.log.Error("scheduler: list active jobs", obs.Err(err))
		return
	}
	activeCount := 0
	for _, j := range active {
		if j.Status == model.StatusStarting || j.Status == model.StatusDownloading {
			activeCount++
		}
	}
	obs.SchedulerActiveJobs.Set(float64(activeCount))

	capacity := s.cfg.App.MaxActiveDownloads - activeCount
	if capacity <= 0 {
		return
	}

	freeGBAvail, err := freeGB(s.cfg.Paths.Downloads)
	if err != nil {
		s.log.Warn("scheduler: free space check failed", obs.Err(err))
	} else if freeGBAvail < s.cfg.App.MinFreeSpaceGB {
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerBlocked, Payload: map[string]any{"reason": "low_free_space", "free_gb": freeGBAvail}})
		return
	}

	pausedKeys, err := s.coord.PausedKeys(ctx)
	if err != nil {
		s.log.Error("scheduler: paused keys", obs.Err(err))
		return
	}
	backoffKeys, err := s.coord.BackoffKeys(ctx)
	if err != nil {
		s.log.Error("scheduler: backoff keys", obs.Err(err))
		return
	}
	excluded := s.reg.IDsByKeys(append(append([]string{}, pausedKeys...), backoffKeys...))
	var excludedIDs []int64
	for _, id := range excluded {
		excludedIDs = append(excludedIDs, id)
	}

	claimed, err := s.store.ClaimNextRunnable(ctx, capacity, excludedIDs)
	if err != nil {
		s.log.Error("scheduler: claim next runnable", obs.Err(err))
		return
	}
	obs.SchedulerClaimableJobs.Set(float64(len(claimed)))

	for _, job := range claimed {
		s.bind(ctx, job, pausedKeys)
	}
}

// bind resolves and binds one claimed job, per spec.md §4.5 step 6.
func (s *Scheduler) bind(ctx context.Context, job model.Job, pausedKeys []string) {
	obs.JobsClaimed.Inc()
	key, ok := s.reg.KeyByID(job.ProviderID)
	if !ok {
		s.failJob(ctx, job, "job's provider is no longer registered")
		return
	}

	// Edge policy: provider became paused between claim and resolution.
	for _, p := range pausedKeys {
		if p == key {
			s.requeue(ctx, job)
			return
		}
	}

	s.waitSpacing(ctx, key)

	resolver, err := s.reg.Resolvable(key)
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return
	}

	urls, err := resolver.ResolveDownloadURL(ctx, job.ExternalID)
	if err != nil {
		s.handleResolveError(ctx, job, key, err)
		return
	}
	if len(urls) == 0 {
		s.failJob(ctx, job, "resolver returned no urls")
		return
	}

	opts := s.buildAddOptions(job)
	primary := urls[0]
	handle, err := s.dl.AddURI(ctx, []string{primary}, opts)
	if err != nil {
		s.handleDownloaderError(ctx, job, key, err)
		return
	}

	tmpPath := filepath.Join(opts.Dir, opts.Out)
	fields := store.TransitionFields{Handle: &handle, TmpPath: &tmpPath}
	if len(urls) > 1 {
		// Downloader behavior under multi-URL addUri varies; standardize
		// on single-URL per job with alternates stored in metadata for
		// future use (spec.md §4.5 Edge policy / Open Questions).
		meta := model.Metadata{}
		for k, v := range job.Metadata {
			meta[k] = v
		}
		meta["source_url_alternates"] = urls[1:]
		fields.Metadata = meta
	}
	_, err = s.store.Transition(ctx, job.ID, model.StatusStarting, model.StatusDownloading, fields)
	if err != nil {
		s.log.Error("scheduler: transition to downloading", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	_ = s.coord.Clear(ctx, key)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobUpdated, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"status": model.StatusDownloading}})
}

func (s *Scheduler) buildAddOptions(job model.Job) downloader.AddOptions {
	subdir := string(job.Category)
	if subdir == "" {
		subdir = string(model.CategoryOther)
	}
	dir := filepath.Join(s.cfg.Paths.Downloads, subdir)
	out := sanitizeFilename(job.Title)
	if out == "" {
		out = fmt.Sprintf("job-%d", job.ID)
	}
	var limit int64
	if s.cfg.Downloader.MaxSpeedMBs > 0 {
		limit = int64(s.cfg.Downloader.MaxSpeedMBs * 1024 * 1024)
	}
	return downloader.AddOptions{Dir: dir, Out: out, MaxDownloadLimit: limit, Continue: true}
}

func sanitizeFilename(title string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "\x00", "")
	return replacer.Replace(strings.TrimSpace(title))
}

// waitSpacing applies the per-provider minimum-interval limiter before
// every resolveDownloadUrl call (spec.md §4.5.6b), keyed by provider
// via golang.org/x/time/rate.Limiter.
func (s *Scheduler) waitSpacing(ctx context.Context, providerKey string) {
	spacing := s.cfg.Providers[providerKey].DownloadSpacingSeconds
	if spacing <= 0 {
		return
	}
	s.spacingMu.Lock()
	lim, ok := s.spacing[providerKey]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Duration(spacing*float64(time.Second))), 1)
		s.spacing[providerKey] = lim
	}
	s.spacingMu.Unlock()
	_ = lim.Wait(ctx)
}

func (s *Scheduler) handleResolveError(ctx context.Context, job model.Job, key string, err error) {
	if errkind.As(err, errkind.ProviderTransient) {
		s.tripAndRequeue(ctx, job, key, err)
		return
	}
	s.failJob(ctx, job, err.Error())
}

func (s *Scheduler) handleDownloaderError(ctx context.Context, job model.Job, key string, err error) {
	if errkind.As(err, errkind.ProviderPermanent) {
		s.failJob(ctx, job, err.Error())
		return
	}
	s.tripAndRequeue(ctx, job, key, err)
}

func (s *Scheduler) tripAndRequeue(ctx context.Context, job model.Job, key string, cause error) {
	_, err := s.coord.Trip(ctx, key, cause.Error(), s.cfg.BackoffInitial(key), s.cfg.Backoff.Max)
	if err != nil {
		s.log.Error("scheduler: trip backoff", obs.Err(err))
	}
	s.requeue(ctx, job)
}

func (s *Scheduler) requeue(ctx context.Context, job model.Job) {
	_, err := s.store.Transition(ctx, job.ID, model.StatusStarting, model.StatusQueued, store.TransitionFields{})
	if err != nil {
		s.log.Error("scheduler: requeue", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	obs.JobsReturnedToQueue.Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.JobUpdated, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"status": model.StatusQueued, "reason": "transient"}})
}

func (s *Scheduler) failJob(ctx context.Context, job model.Job, errText string) {
	_, err := s.store.Transition(ctx, job.ID, model.StatusStarting, model.StatusFailed, store.TransitionFields{ErrorText: &errText})
	if err != nil {
		s.log.Error("scheduler: fail job", obs.Err(err), zap.Int64("job_id", job.ID))
		return
	}
	obs.JobsFailed.Inc()
	_ = s.store.InsertAudit(ctx, model.AuditRecord{Actor: "scheduler", Action: "job.failed", SubjectType: "job", SubjectID: fmt.Sprintf("%d", job.ID), Payload: map[string]any{"error": errText}})
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, UserID: job.UserID, JobID: job.ID, Payload: map[string]any{"error_text": errText}})
}
