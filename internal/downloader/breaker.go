package downloader

import (
	"context"

	"github.com/mediaqueue/orchestrator/internal/breaker"
	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/obs"
)

// GatedClient wraps a Client with the circuit breaker spec.md §4.2
// alludes to ("repeated daemon failures should stop hammering it"):
// once the failure rate over CircuitBreaker.Window crosses
// FailureThreshold, AddURI and Status calls fail fast with a
// Downloader error instead of waiting out the daemon's own timeout,
// giving the scheduler/worker backoff loops a cheaper signal to back
// off on. Pause/Unpause/Remove/Purge/TellActive pass through
// ungated: they're idempotent cleanup calls the worker needs to keep
// making even while the breaker is open.
type GatedClient struct {
	*Client
	cb *breaker.CircuitBreaker
}

// NewGated builds a Client and wraps it with a CircuitBreaker sized
// from cfg.CircuitBreaker.
func NewGated(cfg config.Downloader, cbCfg config.CircuitBreaker) *GatedClient {
	return &GatedClient{
		Client: New(cfg),
		cb:     breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples),
	}
}

func (g *GatedClient) recordState() {
	switch g.cb.State() {
	case breaker.Closed:
		obs.DownloaderCircuitState.Set(0)
	case breaker.HalfOpen:
		obs.DownloaderCircuitState.Set(1)
	case breaker.Open:
		obs.DownloaderCircuitState.Set(2)
	}
}

// AddURI is gated: a tripped breaker rejects the call before it ever
// reaches the daemon.
func (g *GatedClient) AddURI(ctx context.Context, urls []string, opts AddOptions) (string, error) {
	if !g.cb.Allow() {
		g.recordState()
		return "", errkind.New(errkind.Downloader, "downloader circuit open", errkind.Unavailable)
	}
	wasOpen := g.cb.State() == breaker.Open
	handle, err := g.Client.AddURI(ctx, urls, opts)
	g.cb.Record(err == nil)
	if !wasOpen && g.cb.State() == breaker.Open {
		obs.DownloaderCircuitTrips.Inc()
	}
	g.recordState()
	return handle, err
}

// Status is gated the same way as AddURI; it is the call the worker's
// poll loop makes on every tick, so it is the one most likely to
// notice and trip on a daemon outage.
func (g *GatedClient) Status(ctx context.Context, handle string) (Status, error) {
	if !g.cb.Allow() {
		g.recordState()
		return Status{}, errkind.New(errkind.Downloader, "downloader circuit open", errkind.Unavailable)
	}
	wasOpen := g.cb.State() == breaker.Open
	st, err := g.Client.Status(ctx, handle)
	g.cb.Record(err == nil)
	if !wasOpen && g.cb.State() == breaker.Open {
		obs.DownloaderCircuitTrips.Inc()
	}
	g.recordState()
	return st, err
}
