package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/providers"
	"github.com/mediaqueue/orchestrator/internal/store"
	"go.uber.org/zap"
)

// handleQueue implements POST /queue (spec.md §6).
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "items must be non-empty")
		return
	}

	keys := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		keys = append(keys, it.Provider)
	}
	idByKey := h.reg.IDsByKeys(keys)

	items := make([]store.InsertItem, 0, len(req.Items))
	for _, it := range req.Items {
		if _, ok := idByKey[it.Provider]; !ok {
			writeError(w, http.StatusBadRequest, "validation", "unknown provider: "+it.Provider)
			return
		}
		priority := model.DefaultPriority
		if it.Priority != nil {
			priority = *it.Priority
		}
		category := req.Options.Category
		if category == "" {
			category = model.CategoryOther
		}
		items = append(items, store.InsertItem{
			ProviderKey: it.Provider,
			ExternalID:  it.ExternalID,
			Title:       it.Title,
			Metadata:    model.NormalizeMetadata(it.Metadata),
			Priority:    priority,
			Category:    category,
		})
	}

	res, err := h.store.InsertJobs(r.Context(), id.UserID, items, idByKey)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, queueResponse{Inserted: res.Inserted, Duplicates: res.Duplicates}, nil)
}

// handleListJobs implements GET /jobs.
func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	q := r.URL.Query()
	mine := q.Get("mine") == "1"
	limit := queryInt(q, "limit", 50)
	offset := queryInt(q, "offset", 0)

	jobs, total, err := h.store.ListPaged(r.Context(), id.IsAdmin, id.UserID, mine, limit, offset)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	backoffKeys, _ := h.coord.BackoffKeys(r.Context())
	writeData(w, http.StatusOK, jobs, jobsListMeta{
		Total:           total,
		Limit:           limit,
		Offset:          offset,
		HasMore:         offset+len(jobs) < total,
		ProviderBackoff: backoffKeys,
	})
}

// handleJobStats implements GET /jobs/stats.
func (h *Handler) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	out := map[string]int64{}
	for status, count := range stats {
		out[string(status)] = count
	}
	writeData(w, http.StatusOK, out, nil)
}

// handleJobControl implements PATCH /jobs/{id}/cancel|pause|resume: each
// delegates to the Worker so the downloader is told alongside the row
// mutation (spec.md §4.6), rather than calling store.Transition here.
func (h *Handler) handleJobControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFrom(r.Context())
		job, ok := h.loadOwnedJob(w, r, id)
		if !ok {
			return
		}
		var (
			out model.Job
			err error
		)
		switch action {
		case "cancel":
			out, err = h.w.CancelJob(r.Context(), job)
		case "pause":
			out, err = h.w.PauseJob(r.Context(), job)
		case "resume":
			out, err = h.w.ResumeJob(r.Context(), job)
		}
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		writeData(w, http.StatusOK, out, nil)
	}
}

// handleJobPriority implements PATCH /jobs/{id}/priority.
func (h *Handler) handleJobPriority(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	job, ok := h.loadOwnedJob(w, r, id)
	if !ok {
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	out, err := h.store.UpdatePriority(r.Context(), job.ID, req.Priority)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeData(w, http.StatusOK, out, nil)
}

// handleReorder implements POST /jobs/reorder. Ownership of every id in
// the order is checked up front; admins may reorder any job.
func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !id.IsAdmin {
		for _, jobID := range req.Order {
			job, err := h.store.GetJob(r.Context(), jobID)
			if err != nil {
				writeStoreErr(w, err)
				return
			}
			if !job.Owns(id.UserID, id.IsAdmin) {
				writeError(w, http.StatusForbidden, "forbidden", "not the job owner")
				return
			}
		}
	}
	applied, err := h.store.Reorder(r.Context(), req.Order)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeData(w, http.StatusOK, reorderResponse{Applied: applied}, nil)
}

// handleDeleteJob implements DELETE /jobs/{id}: deletes the downloaded
// file (if any) via the Worker and marks the row deleted.
func (h *Handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	job, ok := h.loadOwnedJob(w, r, id)
	if !ok {
		return
	}
	if _, err := h.w.DeleteFile(r.Context(), job); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeData(w, http.StatusOK, deletedResponse{Deleted: true}, nil)
}

func (h *Handler) loadOwnedJob(w http.ResponseWriter, r *http.Request, id Identity) (model.Job, bool) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid job id")
		return model.Job{}, false
	}
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeStoreErr(w, err)
		return model.Job{}, false
	}
	if !job.Owns(id.UserID, id.IsAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "not the job owner")
		return model.Job{}, false
	}
	return job, true
}

// handleListProviders implements GET /providers.
func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if err := requireAdmin(id); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return
	}
	list, err := h.store.ListProviders(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeData(w, http.StatusOK, list, nil)
}

// handlePauseProvider implements POST /providers/{id}/pause. Coordination
// is the scheduler's actual read path (internal/coordination, Redis-
// backed), so it's the call of record; store.PausePut additionally
// records a durable SQL row for the /providers listing and for history
// that survives a Redis flush.
func (h *Handler) handlePauseProvider(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if err := requireAdmin(id); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return
	}
	key, ok := h.providerKeyFromPath(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	actor := strconv.FormatInt(id.UserID, 10)
	if err := h.coord.Pause(r.Context(), key, actor, req.Note); err != nil {
		writeError(w, http.StatusInternalServerError, "coordination_error", err.Error())
		return
	}
	if err := h.store.PausePut(r.Context(), key, actor, req.Note); err != nil {
		h.log.Warn("pause durable record failed", zap.String("provider", key), zap.Error(err))
	}
	writeData(w, http.StatusOK, model.ProviderPause{ProviderKey: key, PausedBy: actor, PausedAt: nowUTC(), Note: req.Note}, nil)
}

// handleResumeProvider implements POST /providers/{id}/resume.
func (h *Handler) handleResumeProvider(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if err := requireAdmin(id); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return
	}
	key, ok := h.providerKeyFromPath(w, r)
	if !ok {
		return
	}
	if err := h.coord.Resume(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "coordination_error", err.Error())
		return
	}
	if err := h.store.PauseClear(r.Context(), key); err != nil {
		h.log.Warn("pause durable clear failed", zap.String("provider", key), zap.Error(err))
	}
	writeData(w, http.StatusOK, map[string]any{"resumed": true}, nil)
}

// providerKeyFromPath resolves the {id} path segment, which per
// spec.md §6 names the provider key directly (there is no numeric
// provider route id exposed over HTTP).
func (h *Handler) providerKeyFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := mux.Vars(r)["id"]
	if key == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing provider id")
		return "", false
	}
	return key, true
}

// handleProviderStatus implements GET /providers/status[/all].
func (h *Handler) handleProviderStatus(all bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFrom(r.Context())
		if err := requireAdmin(id); err != nil {
			writeError(w, http.StatusForbidden, "forbidden", "admin only")
			return
		}
		statuses, err := h.coord.Active(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "coordination_error", err.Error())
			return
		}
		refresh := r.URL.Query().Get("refresh") == "1"
		keys := h.reg.EnabledKeys()
		type reported struct {
			model.CoordinationStatus
			Authenticated *bool `json:"authenticated,omitempty"`
		}
		out := make([]reported, 0, len(statuses))
		seen := map[string]bool{}
		for _, st := range statuses {
			seen[st.ProviderKey] = true
			out = append(out, reported{CoordinationStatus: st})
		}
		if all {
			for _, k := range keys {
				if seen[k] {
					continue
				}
				out = append(out, reported{CoordinationStatus: model.CoordinationStatus{ProviderKey: k}})
			}
		}
		if refresh {
			for i := range out {
				handle, err := h.reg.Handle(out[i].ProviderKey)
				if err != nil {
					continue
				}
				sc, ok := handle.(providers.StatusCapable)
				if !ok {
					continue
				}
				ps, err := sc.Status(r.Context())
				if err != nil {
					continue
				}
				authed := ps.Authenticated
				out[i].Authenticated = &authed
			}
		}
		writeData(w, http.StatusOK, out, nil)
	}
}

// handleSearch implements GET /search, fanning out to every requested
// (or all enabled) provider concurrently and merging hits, duplicates
// and per-provider errors (spec.md §6).
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "validation", "q is required")
		return
	}
	limit := queryInt(q, "limit", h.cfg.App.DefaultSearchLimit)
	keys := q["providers[]"]
	if len(keys) == 0 {
		keys = h.reg.EnabledKeys()
	}

	type res struct {
		hits []searchHit
		err  *searchError
	}
	resultsCh := make(chan res, len(keys))
	for _, key := range keys {
		key := key
		go func() {
			handle, err := h.reg.Handle(key)
			if err != nil {
				resultsCh <- res{err: &searchError{Provider: key, Message: err.Error()}}
				return
			}
			searchable, ok := handle.(providers.Searchable)
			if !ok {
				resultsCh <- res{err: &searchError{Provider: key, Message: "provider does not support search"}}
				return
			}
			items, err := searchable.Search(r.Context(), query, limit)
			if err != nil {
				resultsCh <- res{err: &searchError{Provider: key, Message: err.Error()}}
				return
			}
			hits := make([]searchHit, 0, len(items))
			for _, it := range items {
				hits = append(hits, newSearchHit(key, it))
			}
			resultsCh <- res{hits: hits}
		}()
	}

	var hits []searchHit
	var errs []searchError
	titleSeen := map[string]bool{}
	var duplicates []string
	for range keys {
		r := <-resultsCh
		if r.err != nil {
			errs = append(errs, *r.err)
			continue
		}
		for _, hit := range r.hits {
			if titleSeen[hit.Title] {
				duplicates = append(duplicates, hit.Title)
			}
			titleSeen[hit.Title] = true
			hits = append(hits, hit)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Data       []searchHit   `json:"data"`
		Duplicates []string      `json:"duplicates,omitempty"`
		Errors     []searchError `json:"errors,omitempty"`
	}{Data: hits, Duplicates: duplicates, Errors: errs})
}

// handleCatalogMenu implements GET /catalog/menu.
func (h *Handler) handleCatalogMenu(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerKey := q.Get("provider")
	path := q.Get("path")
	refresh := q.Get("refresh") == "1"

	ttl := h.cfg.Providers[providerKey].MenuCacheTTL
	lookup, err := h.cache.Lookup(r.Context(), model.CatalogMenu, providerKey, path, ttl, refresh, func(ctx context.Context) (json.RawMessage, error) {
		handle, err := h.reg.Handle(providerKey)
		if err != nil {
			return nil, err
		}
		browsable, ok := handle.(providers.Browsable)
		if !ok {
			return nil, errkind.New(errkind.Validation, "provider does not support browsing", nil)
		}
		menu, err := browsable.Menu(ctx, path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(menu)
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "catalog_error", err.Error())
		return
	}
	var menu providers.Menu
	if len(lookup.Payload) > 0 {
		_ = json.Unmarshal(lookup.Payload, &menu)
	}
	writeData(w, http.StatusOK, menu, catalogLookupMeta(lookup, ttl))
}

// handleCatalogVariants implements GET /catalog/variants.
func (h *Handler) handleCatalogVariants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerKey := q.Get("provider")
	externalID := q.Get("external_id")
	refresh := q.Get("refresh") == "1"

	ttl := h.cfg.Providers[providerKey].VariantsCacheTTL
	lookup, err := h.cache.Lookup(r.Context(), model.CatalogVariants, providerKey, externalID, ttl, refresh, func(ctx context.Context) (json.RawMessage, error) {
		handle, err := h.reg.Handle(providerKey)
		if err != nil {
			return nil, err
		}
		vl, ok := handle.(providers.VariantListable)
		if !ok {
			return nil, errkind.New(errkind.Validation, "provider does not support variant listing", nil)
		}
		variants, err := vl.Variants(ctx, externalID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(variants)
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "catalog_error", err.Error())
		return
	}
	var variants []providers.Variant
	if len(lookup.Payload) > 0 {
		_ = json.Unmarshal(lookup.Payload, &variants)
	}
	writeData(w, http.StatusOK, variants, catalogLookupMeta(lookup, ttl))
}

func catalogLookupMeta(lookup model.CatalogLookup, ttl time.Duration) catalogCacheMeta {
	return catalogCacheMeta{
		Hit:         lookup.Hit,
		AgeSeconds:  lookup.AgeSeconds,
		TTLSeconds:  ttl.Seconds(),
		Refreshable: lookup.Refreshable,
	}
}

// handleBulk implements POST /catalog/bulk.
func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Items) == 0 || len(req.Items) > model.MaxBulkItems {
		writeError(w, http.StatusBadRequest, "validation", "items must be 1.."+strconv.Itoa(model.MaxBulkItems))
		return
	}
	taskID, err := h.store.InsertBulkTask(r.Context(), id.UserID, req.Items, req.Options)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeData(w, http.StatusAccepted, bulkResponse{TaskID: taskID}, nil)
}

// handleStorage implements GET /system/storage.
func (h *Handler) handleStorage(w http.ResponseWriter, r *http.Request) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.cfg.Paths.Downloads, &stat); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	used := total - free
	pct := 0.0
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}
	writeData(w, http.StatusOK, storageResponse{
		Path:       h.cfg.Paths.Downloads,
		TotalBytes: total,
		FreeBytes:  free,
		UsedPct:    pct,
	}, nil)
}

// handleHealth implements GET /system/health. Unlike every other route
// it is mounted outside the auth/rate-limit middleware chain so an
// external load balancer can probe it without a session.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: "ok", Redis: "ok", Downloader: "ok"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		resp.Store = "unreachable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if _, err := h.coord.PausedKeys(ctx); err != nil {
		resp.Redis = "unreachable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if _, err := h.dl.TellActive(ctx); err != nil {
		resp.Downloader = "unreachable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func queryInt(q map[string][]string, key string, def int) int {
	v, ok := q[key]
	if !ok || len(v) == 0 {
		return def
	}
	n, err := strconv.Atoi(v[0])
	if err != nil {
		return def
	}
	return n
}

// writeStoreErr maps a taxonomy error (or plain error) to the closest
// HTTP status, following spec.md §7's kind->response mapping.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errkind.As(err, errkind.Validation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errkind.As(err, errkind.Authorization):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errkind.As(err, errkind.Store):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
