package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mediaqueue/orchestrator/internal/config"
)

// HTTPMediaServer refreshes a Plex/Jellyfin-style library over HTTP,
// matching the plain *http.Client pattern internal/downloader/client.go
// uses for its own collaborator (no retry/circuit-breaker: refresh
// failures are best-effort per spec.md §7 kind 7).
type HTTPMediaServer struct {
	cfg    config.MediaServer
	client *http.Client
}

func NewHTTPMediaServer(cfg config.MediaServer) *HTTPMediaServer {
	return &HTTPMediaServer{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// RefreshLibrary triggers the configured library's scan endpoint. A
// zero-value URL disables refresh entirely (no media server wired).
func (m *HTTPMediaServer) RefreshLibrary(ctx context.Context) error {
	if m.cfg.URL == "" {
		return nil
	}
	url := fmt.Sprintf("%s/library/sections/%s/refresh", m.cfg.URL, m.cfg.LibraryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	if m.cfg.APIKey != "" {
		req.Header.Set("X-Plex-Token", m.cfg.APIKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("refresh returned status %d", resp.StatusCode)
	}
	return nil
}
