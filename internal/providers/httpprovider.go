package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mediaqueue/orchestrator/internal/errkind"
)

// httpCredentials is the decrypted credential blob shape every HTTP
// provider understands: a base URL plus an optional bearer token.
// Provider-specific wire protocols are out of scope per spec.md §1, so
// every configured provider speaks this same small JSON-over-HTTP
// contract against its own base URL, mirroring the plain *http.Client
// idiom internal/worker/mediaserver.go uses for the media server
// collaborator.
type httpCredentials struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// HTTPHandle is the concrete Handle every provider resolves to: a
// generic client against a JSON HTTP API exposing /search, /menu,
// /variants, /resolve and /status endpoints. It implements every
// capability interface this package defines; a provider lacking one of
// the underlying endpoints simply returns a ProviderPermanent error
// when that capability is exercised.
type HTTPHandle struct {
	key    string
	creds  httpCredentials
	client *http.Client
}

// HTTPFactory builds an HTTPHandle from the Registry's decrypted
// credential blob. Registered as the providers.Factory passed to
// providers.New in every cmd/ entrypoint.
func HTTPFactory(key string, credentials []byte) (Handle, error) {
	var creds httpCredentials
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return nil, fmt.Errorf("provider %q: decode credentials: %w", key, err)
	}
	if creds.BaseURL == "" {
		return nil, fmt.Errorf("provider %q: credentials missing base_url", key)
	}
	return &HTTPHandle{
		key:   key,
		creds: creds,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (h *HTTPHandle) Key() string { return h.key }

func (h *HTTPHandle) do(ctx context.Context, method, path string, query map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, h.creds.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if h.creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.creds.Token)
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := h.client.Do(req)
	if err != nil {
		kind := errkind.ProviderPermanent
		if errors.Is(err, context.DeadlineExceeded) {
			kind = errkind.ProviderTransient
		}
		return errkind.New(kind, fmt.Sprintf("provider %q: %s %s", h.key, method, path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := fmt.Sprintf("provider %q: %s %s: status %d: %s", h.key, method, path, resp.StatusCode, bytes.TrimSpace(body))
		return errkind.New(classifyStatus(resp.StatusCode), detail, nil)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyStatus maps an HTTP status from a provider's wire API onto
// the taxonomy (spec.md §7 kind 3/4), the same boundary-classification
// job downloader/client.go's classify does for the downloader daemon:
// rate-limit/timeout/upstream-5xx are transient and recoverable, auth
// failures are their own kind, everything else is permanent.
func classifyStatus(code int) errkind.Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return errkind.Authorization
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return errkind.ProviderTransient
	default:
		return errkind.ProviderPermanent
	}
}

// Search implements Searchable against GET /search?q=&limit=.
func (h *HTTPHandle) Search(ctx context.Context, query string, limit int) ([]SearchItem, error) {
	var items []SearchItem
	err := h.do(ctx, http.MethodGet, "/search", map[string]string{
		"q":     query,
		"limit": fmt.Sprintf("%d", limit),
	}, &items)
	return items, err
}

// Menu implements Browsable against GET /menu?path=.
func (h *HTTPHandle) Menu(ctx context.Context, path string) (Menu, error) {
	var m Menu
	err := h.do(ctx, http.MethodGet, "/menu", map[string]string{"path": path}, &m)
	return m, err
}

// CatalogItems implements CatalogItemsFetchable against GET /catalog?path=.
func (h *HTTPHandle) CatalogItems(ctx context.Context, path string) ([]MenuItem, error) {
	var items []MenuItem
	err := h.do(ctx, http.MethodGet, "/catalog", map[string]string{"path": path}, &items)
	return items, err
}

// Variants implements VariantListable against GET /variants?external_id=.
func (h *HTTPHandle) Variants(ctx context.Context, externalID string) ([]Variant, error) {
	var variants []Variant
	err := h.do(ctx, http.MethodGet, "/variants", map[string]string{"external_id": externalID}, &variants)
	return variants, err
}

// ResolveDownloadURL implements Resolvable against GET /resolve?external_id=.
func (h *HTTPHandle) ResolveDownloadURL(ctx context.Context, externalID string) ([]string, error) {
	var out struct {
		URLs []string `json:"urls"`
	}
	if err := h.do(ctx, http.MethodGet, "/resolve", map[string]string{"external_id": externalID}, &out); err != nil {
		return nil, err
	}
	return out.URLs, nil
}

// Status implements StatusCapable against GET /status.
func (h *HTTPHandle) Status(ctx context.Context) (ProviderStatus, error) {
	var st ProviderStatus
	err := h.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}
