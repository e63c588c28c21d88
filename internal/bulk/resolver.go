// Package bulk implements the Bulk Resolver (C8): it turns batch
// submissions too large or too slow to process inline into individual
// job rows. Modeled on a producer loop's
// walk-and-enqueue loop — generalized from filesystem walking to
// iterating a submitted item batch, keeping the same per-item
// rate-limited-processing shape — and on the deleted
// internal/reaper/reaper.go's claim-and-process pattern for the
// pending -> processing atomic hand-off.
package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/coordination"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/obs"
	"github.com/mediaqueue/orchestrator/internal/providers"
	"github.com/mediaqueue/orchestrator/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store is the slice of *store.Store the resolver needs.
type Store interface {
	ClaimPendingBulkTask(ctx context.Context) (model.BulkTask, []model.BulkItem, bool, error)
	UpdateBulkProgress(ctx context.Context, id int64, processedDelta, failedDelta int) error
	MarkBulkCompleted(ctx context.Context, id int64) error
	MarkBulkFailed(ctx context.Context, id int64, errText string) error
	InsertJobs(ctx context.Context, userID int64, items []store.InsertItem, providerIDByKey map[string]int64) (store.InsertResult, error)
	InsertAudit(ctx context.Context, rec model.AuditRecord) error
}

// Registry is the slice of *providers.Registry the resolver needs.
type Registry interface {
	IDsByKeys(keys []string) map[string]int64
	Resolvable(key string) (providers.Resolvable, error)
	VariantListable(key string) (providers.VariantListable, error)
}

// Resolver runs the claim-and-process loop as a long-lived task, one
// task at a time per spec.md §4.8 ("a single worker loop claimPending").
type Resolver struct {
	cfg   *config.Config
	store Store
	coord *coordination.Coordination
	reg   Registry
	bus   *eventbus.Bus
	log   *zap.Logger

	spacingMu sync.Mutex
	spacing   map[string]*rate.Limiter
}

func New(cfg *config.Config, st Store, coord *coordination.Coordination, reg Registry, bus *eventbus.Bus, log *zap.Logger) *Resolver {
	return &Resolver{cfg: cfg, store: st, coord: coord, reg: reg, bus: bus, log: log, spacing: map[string]*rate.Limiter{}}
}

// Run executes the claim-process-settle loop until ctx is canceled.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.App.BulkResolverTick)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Resolver) tick(ctx context.Context) {
	task, items, ok, err := r.store.ClaimPendingBulkTask(ctx)
	if err != nil {
		r.log.Error("bulk: claim pending task", obs.Err(err))
		return
	}
	if !ok {
		return
	}
	r.log.Info("bulk: claimed task", zap.Int64("task_id", task.ID), zap.Int("total_items", len(items)))
	r.process(ctx, task, items)
}

// process resolves each item sequentially, inserting resolved jobs in
// chunks and tracking per-item outcomes (spec.md §4.8).
func (r *Resolver) process(ctx context.Context, task model.BulkTask, items []model.BulkItem) {
	const chunkSize = 25
	var chunk []store.InsertItem
	processed, failed := 0, 0

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		keys := make([]string, 0, len(chunk))
		for _, it := range chunk {
			keys = append(keys, it.ProviderKey)
		}
		providerIDs := r.reg.IDsByKeys(keys)
		res, err := r.store.InsertJobs(ctx, task.UserID, chunk, providerIDs)
		if err != nil {
			r.log.Error("bulk: insert jobs chunk", obs.Err(err), zap.Int64("task_id", task.ID))
			failed += len(chunk)
		} else {
			processed += len(res.Inserted)
			failed += len(chunk) - len(res.Inserted)
		}
		chunk = chunk[:0]
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		insertItem, err := r.resolveItem(ctx, task, item)
		if err != nil {
			failed++
			r.log.Warn("bulk: item resolution failed", obs.Err(err), zap.Int64("task_id", task.ID), zap.String("provider", item.Provider), zap.String("external_id", item.ExternalID))
			continue
		}
		chunk = append(chunk, insertItem)
		if len(chunk) >= chunkSize {
			flush()
			_ = r.store.UpdateBulkProgress(ctx, task.ID, processed, failed)
			processed, failed = 0, 0
		}
	}
	flush()
	_ = r.store.UpdateBulkProgress(ctx, task.ID, processed, failed)

	if ctx.Err() != nil {
		return
	}
	r.settle(ctx, task)
}

// resolveItem mirrors the scheduler's bind() provider interaction:
// preferred-variant selection when available, then URL resolution,
// under the same spacing/backoff discipline (spec.md §4.8/§4.5e/f).
func (r *Resolver) resolveItem(ctx context.Context, task model.BulkTask, item model.BulkItem) (store.InsertItem, error) {
	backoffKeys, err := r.coord.BackoffKeys(ctx)
	if err == nil {
		for _, k := range backoffKeys {
			if k == item.Provider {
				return store.InsertItem{}, fmt.Errorf("provider %q is backed off", item.Provider)
			}
		}
	}
	pausedKeys, err := r.coord.PausedKeys(ctx)
	if err == nil {
		for _, k := range pausedKeys {
			if k == item.Provider {
				return store.InsertItem{}, fmt.Errorf("provider %q is paused", item.Provider)
			}
		}
	}

	r.waitSpacing(ctx, item.Provider)

	externalID := item.ExternalID
	if vl, err := r.reg.VariantListable(item.Provider); err == nil {
		if variants, err := vl.Variants(ctx, item.ExternalID); err == nil && len(variants) > 0 {
			externalID = preferredVariant(variants).ID
		}
	}

	resolver, err := r.reg.Resolvable(item.Provider)
	if err != nil {
		return store.InsertItem{}, err
	}
	urls, err := resolver.ResolveDownloadURL(ctx, externalID)
	if err != nil {
		if errkind.As(err, errkind.ProviderTransient) {
			_, _ = r.coord.Trip(ctx, item.Provider, err.Error(), r.cfg.BackoffInitial(item.Provider), r.cfg.Backoff.Max)
		}
		return store.InsertItem{}, err
	}
	if len(urls) == 0 {
		return store.InsertItem{}, fmt.Errorf("resolver returned no urls for %q", item.ExternalID)
	}

	title := item.ExternalID
	if t, ok := item.Hints["title"].(string); ok && t != "" {
		title = t
	}
	meta := model.Metadata{}
	for k, v := range item.Hints {
		meta[k] = v
	}
	meta["resolved_url"] = urls[0]

	return store.InsertItem{
		ProviderKey: item.Provider,
		ExternalID:  item.ExternalID,
		Title:       title,
		Metadata:    meta,
		Category:    task.Options.Category,
	}, nil
}

// preferredVariant picks the highest-bitrate variant, mirroring the
// "select the preferred stream" guidance of spec.md §4.8.
func preferredVariant(variants []providers.Variant) providers.Variant {
	best := variants[0]
	for _, v := range variants[1:] {
		if v.BitrateKbps > best.BitrateKbps {
			best = v
		}
	}
	return best
}

func (r *Resolver) waitSpacing(ctx context.Context, providerKey string) {
	spacing := r.cfg.Providers[providerKey].DownloadSpacingSeconds
	if spacing <= 0 {
		return
	}
	r.spacingMu.Lock()
	lim, ok := r.spacing[providerKey]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Duration(spacing*float64(time.Second))), 1)
		r.spacing[providerKey] = lim
	}
	r.spacingMu.Unlock()
	_ = lim.Wait(ctx)
}

// settle marks a fully processed task completed or failed and
// publishes a notification event, per spec.md §4.8's
// markCompleted/markFailed contract.
func (r *Resolver) settle(ctx context.Context, task model.BulkTask) {
	fresh, err := r.reloadTotals(ctx, task)
	if err != nil {
		r.log.Error("bulk: reload task totals", obs.Err(err), zap.Int64("task_id", task.ID))
		return
	}
	if fresh.ProcessedItems+fresh.FailedItems < fresh.TotalItems {
		// Items remain for the next tick; leave status=processing.
		return
	}
	if fresh.FailedItems > 0 && fresh.ProcessedItems == 0 {
		errText := fmt.Sprintf("all %d items failed to resolve", fresh.FailedItems)
		if err := r.store.MarkBulkFailed(ctx, task.ID, errText); err != nil {
			r.log.Error("bulk: mark failed", obs.Err(err), zap.Int64("task_id", task.ID))
			return
		}
	} else {
		if err := r.store.MarkBulkCompleted(ctx, task.ID); err != nil {
			r.log.Error("bulk: mark completed", obs.Err(err), zap.Int64("task_id", task.ID))
			return
		}
	}
	obs.BulkTasksProcessed.Inc()
	_ = r.store.InsertAudit(ctx, model.AuditRecord{Actor: "bulk_resolver", Action: "bulk_task.settled", SubjectType: "bulk_task", SubjectID: fmt.Sprintf("%d", task.ID), Payload: map[string]any{"processed": fresh.ProcessedItems, "failed": fresh.FailedItems}})
	r.bus.Publish(eventbus.Event{Type: eventbus.JobUpdated, UserID: task.UserID, Payload: map[string]any{"bulk_task_id": task.ID, "status": "settled", "processed_items": fresh.ProcessedItems, "failed_items": fresh.FailedItems}})
}

// reloadTotals re-reads the task's counters through GetBulkTask when the
// Store also provides that method (it is not part of the Store
// interface); otherwise it returns task unchanged.
func (r *Resolver) reloadTotals(ctx context.Context, task model.BulkTask) (model.BulkTask, error) {
	getter, ok := r.store.(interface {
		GetBulkTask(ctx context.Context, id int64) (model.BulkTask, error)
	})
	if !ok {
		return task, nil
	}
	return getter.GetBulkTask(ctx, task.ID)
}
