// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_inserted_total",
		Help: "Total number of jobs inserted via the queue endpoint",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_claimed_total",
		Help: "Total number of jobs claimed by the scheduler",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that finalized successfully",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached the failed terminal state",
	})
	JobsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_canceled_total",
		Help: "Total number of jobs canceled by a user or admin",
	})
	JobsReturnedToQueue = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_returned_to_queue_total",
		Help: "Total number of jobs returned to queued after a transient failure",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of time spent downloading, from starting to a terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
	SchedulerClaimableJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_claimable_jobs",
		Help: "Number of queued jobs eligible for claim on the last scheduler tick",
	})
	SchedulerActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_active_jobs",
		Help: "Number of jobs in starting or downloading on the last scheduler tick",
	})
	ProviderBackoffActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "provider_backoff_active",
		Help: "Number of providers currently under backoff",
	})
	ProviderPauseActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "provider_pause_active",
		Help: "Number of providers currently paused by an admin",
	})
	DownloaderCircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "downloader_circuit_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	DownloaderCircuitTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downloader_circuit_trips_total",
		Help: "Count of times the downloader circuit breaker transitioned to Open",
	})
	EventBusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_bus_subscribers",
		Help: "Number of currently connected event stream subscribers",
	})
	EventBusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_bus_dropped_total",
		Help: "Total number of events dropped due to a full subscriber buffer",
	})
	BulkTasksProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulk_tasks_processed_total",
		Help: "Total number of bulk tasks that reached a terminal state",
	})
	CatalogCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_cache_hits_total",
		Help: "Catalog cache lookups by hit/miss/stale outcome",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(
		JobsInserted, JobsClaimed, JobsCompleted, JobsFailed, JobsCanceled,
		JobsReturnedToQueue, JobProcessingDuration, SchedulerClaimableJobs,
		SchedulerActiveJobs, ProviderBackoffActive, ProviderPauseActive,
		DownloaderCircuitState, DownloaderCircuitTrips, EventBusSubscribers,
		EventBusDropped, BulkTasksProcessed, CatalogCacheHits,
	)
}

// StartMetricsServer exposes /metrics and returns a server for
// controlled shutdown; superseded by StartHTTPServer which also
// registers health endpoints, kept for callers that only want metrics.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
