// Package api implements the HTTP surface (spec.md §6) over the core
// components: Store (C1), Provider Registry (C3), Provider
// Coordination (C4), Worker (C6), Event Bus (C7), Bulk Resolver feed
// (C8) and Catalog Cache (C9). Routing follows gorilla/mux, the way
// the rest of this module's go.mod already depends on it; middleware
// ordering and the Handler/writeJSON/writeError shape are modeled on
// a Redis work queue's admin surface, adapted to this module's
// job/provider/catalog domain.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mediaqueue/orchestrator/internal/audit"
	"github.com/mediaqueue/orchestrator/internal/catalog"
	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/coordination"
	"github.com/mediaqueue/orchestrator/internal/downloader"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/providers"
	"github.com/mediaqueue/orchestrator/internal/store"
	"github.com/mediaqueue/orchestrator/internal/worker"
	"go.uber.org/zap"
)

// Handler bundles every collaborator the HTTP surface calls into, the
// same flat-struct-of-dependencies shape as a typical
// admin-api.Handler.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	reg     *providers.Registry
	coord   *coordination.Coordination
	cache   *catalog.Cache
	w       *worker.Worker
	bus     *eventbus.Bus
	dl      *downloader.GatedClient
	audit   *audit.Writer
	log     *zap.Logger
}

// NewHandler wires a Handler from already-constructed collaborators;
// callers (cmd/api/main.go) own their lifecycles.
func NewHandler(cfg *config.Config, st *store.Store, reg *providers.Registry, coord *coordination.Coordination, cache *catalog.Cache, w *worker.Worker, bus *eventbus.Bus, dl *downloader.GatedClient, aw *audit.Writer, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, store: st, reg: reg, coord: coord, cache: cache, w: w, bus: bus, dl: dl, audit: aw, log: log}
}

// Server owns the *http.Server lifecycle, with the usual
// admin-api.Server Start/Shutdown pair.
type Server struct {
	cfg    config.API
	http   *http.Server
	log    *zap.Logger
}

// NewServer builds the routed, middleware-wrapped *http.Server.
func NewServer(cfg config.API, h *Handler, auth Authenticator, log *zap.Logger) *Server {
	router := h.routes(auth, cfg)
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log,
	}
}

// Start blocks serving HTTP until the listener is closed.
func (s *Server) Start() error {
	s.log.Info("api listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within cfg.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (h *Handler) routes(auth Authenticator, apiCfg config.API) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/system/health", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(requestIDMiddleware)
	api.Use(recoveryMiddleware(h.log))
	api.Use(corsMiddleware(apiCfg.CORSAllowOrigins))
	api.Use(authMiddleware(auth))
	api.Use(auditMiddleware(h.audit, h.store.InsertAudit, h.log))
	api.Use(rateLimitMiddleware(apiCfg.RateLimitPerMinute, apiCfg.RateLimitBurst))

	api.HandleFunc("/queue", h.handleQueue).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/stream", h.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/jobs/stats", h.handleJobStats).Methods(http.MethodGet)
	api.HandleFunc("/jobs/reorder", h.handleReorder).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/cancel", h.handleJobControl("cancel")).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{id}/pause", h.handleJobControl("pause")).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{id}/resume", h.handleJobControl("resume")).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{id}/priority", h.handleJobPriority).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{id}", h.handleDeleteJob).Methods(http.MethodDelete)

	api.HandleFunc("/providers", h.handleListProviders).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}/pause", h.handlePauseProvider).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/resume", h.handleResumeProvider).Methods(http.MethodPost)
	api.HandleFunc("/providers/status", h.handleProviderStatus(false)).Methods(http.MethodGet)
	api.HandleFunc("/providers/status/all", h.handleProviderStatus(true)).Methods(http.MethodGet)

	api.HandleFunc("/search", h.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/catalog/menu", h.handleCatalogMenu).Methods(http.MethodGet)
	api.HandleFunc("/catalog/variants", h.handleCatalogVariants).Methods(http.MethodGet)
	api.HandleFunc("/catalog/bulk", h.handleBulk).Methods(http.MethodPost)

	api.HandleFunc("/system/storage", h.handleStorage).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data, meta any) {
	writeJSON(w, status, envelope{Data: data, Meta: meta})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func nowUTC() time.Time { return time.Now().UTC() }
