// Package downloader implements the RPC client (C2) to the local
// content-transfer daemon, modeled on typed-result,
// bounded-retry network calls (internal/worker/worker.go's dequeue loop
// distinguishes redis.Nil/timeout from real errors the same way this
// client distinguishes a daemon "no such handle" sentinel from a
// genuine transport failure) and the jittered backoff shape of
// internal/producer/producer.go's rand.Read-based jitter.
package downloader

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/errkind"
)

// State is the daemon's reported transfer state (spec.md §4.2).
type State string

const (
	StateActive   State = "active"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateComplete State = "complete"
	StateError    State = "error"
	StateRemoved  State = "removed"
)

// AddOptions carries the per-call options spec.md §4.2 recognizes.
type AddOptions struct {
	Dir              string `json:"dir"`
	Out              string `json:"out,omitempty"`
	MaxDownloadLimit int64  `json:"max-download-limit,omitempty"`
	CheckIntegrity   bool   `json:"check-integrity,omitempty"`
	Continue         bool   `json:"continue,omitempty"`
}

// File describes one produced file within a handle (spec.md §4.2 status).
type File struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Status is the decoded status(handle) result.
type Status struct {
	State           State   `json:"state"`
	CompletedBytes  int64   `json:"completed_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadSpeed   int64   `json:"download_speed_bps"`
	Files           []File  `json:"files"`
	ErrorCode       string  `json:"error_code,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// Client is a JSON RPC client talking to the daemon over HTTP.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	maxRetries int
}

// New builds a Client from the downloader section of config.
func New(cfg config.Downloader) *Client {
	return &Client{
		baseURL:    cfg.RPCURL,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		maxRetries: maxInt(cfg.MaxRetries, 1),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type rpcRequest struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON request/response round trip with jittered
// bounded retry on transport failure; daemon-level errors (rpcError)
// are not retried here — callers classify them via errkind.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	requestID := uuid.New().String()
	req := rpcRequest{ID: requestID, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("downloader: marshal request %s: %w", requestID, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitteredBackoff(attempt)):
			}
		}
		resp, err := c.doOnce(ctx, body)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Error != nil {
			return errkind.New(classify(resp.Error.Code), resp.Error.Message, nil)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("downloader: decode result: %w", err)
			}
		}
		return nil
	}
	return errkind.New(errkind.Downloader, fmt.Sprintf("daemon unreachable after retries (request %s)", requestID), lastErr)
}

func (c *Client) doOnce(ctx context.Context, body []byte) (*rpcResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.secret)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("downloader: daemon returned %d", httpResp.StatusCode)
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("downloader: invalid response body: %w", err)
	}
	return &out, nil
}

// classify maps daemon error codes onto the taxonomy (spec.md §7 kind
// 5). Unknown codes are treated as transient-ish Downloader errors so
// the caller retries rather than immediately failing a job.
func classify(code int) errkind.Kind {
	switch {
	case code >= 400 && code < 500:
		return errkind.ProviderPermanent
	default:
		return errkind.Downloader
	}
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(base/2)+1))
	jitter := time.Duration(0)
	if err == nil {
		jitter = time.Duration(n.Int64())
	}
	return base/2 + jitter
}

// AddURI creates a new transfer and returns its opaque handle
// (spec.md §4.2 addUri).
func (c *Client) AddURI(ctx context.Context, urls []string, opts AddOptions) (string, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	if err := c.call(ctx, "add", []interface{}{urls, opts}, &out); err != nil {
		return "", err
	}
	return out.Handle, nil
}

// Status fetches the current transfer status for handle.
func (c *Client) Status(ctx context.Context, handle string) (Status, error) {
	var out Status
	if err := c.call(ctx, "status", []interface{}{handle}, &out); err != nil {
		return Status{}, err
	}
	if !isKnownState(out.State) {
		return Status{}, errkind.New(errkind.Downloader, fmt.Sprintf("unexpected daemon state %q", out.State), nil)
	}
	return out, nil
}

func isKnownState(s State) bool {
	switch s {
	case StateActive, StateWaiting, StatePaused, StateComplete, StateError, StateRemoved:
		return true
	default:
		return false
	}
}

// Pause, Unpause, Remove and Purge are idempotent: calling them on an
// unknown handle is a no-op, matching spec.md §5 "calls are idempotent
// where possible".
func (c *Client) Pause(ctx context.Context, handle string) error {
	return c.idempotent(ctx, "pause", handle)
}

func (c *Client) Unpause(ctx context.Context, handle string) error {
	return c.idempotent(ctx, "unpause", handle)
}

func (c *Client) Remove(ctx context.Context, handle string) error {
	return c.idempotent(ctx, "remove", handle)
}

func (c *Client) Purge(ctx context.Context, handle string) error {
	return c.idempotent(ctx, "purge", handle)
}

func (c *Client) idempotent(ctx context.Context, method, handle string) error {
	err := c.call(ctx, method, []interface{}{handle}, nil)
	if errkind.As(err, errkind.ProviderPermanent) {
		return nil // unknown handle: treat as already-absent
	}
	return err
}

// TellActive returns a snapshot of all currently active handles
// (spec.md §4.2 tellActive), used by the worker's reconciliation pass.
func (c *Client) TellActive(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.call(ctx, "tellActive", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
