package api

import (
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/providers"
)

// envelope is the {data: ...} / {data: ..., meta: ...} shape every
// handler writes, matching spec.md §6's response column.
type envelope struct {
	Data any `json:"data"`
	Meta any `json:"meta,omitempty"`
}

// errorBody mirrors the admin API's ErrorResponse shape
// (internal/admin-api/types.go), kept flat rather than nested under a
// "data" key since it's an error, not a result.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// queueRequest is the POST /queue body.
type queueRequest struct {
	Items []queueItem `json:"items"`
	Options struct {
		Category model.Category `json:"category,omitempty"`
	} `json:"options,omitempty"`
}

type queueItem struct {
	Provider   string         `json:"provider"`
	ExternalID string         `json:"external_id"`
	Title      string         `json:"title,omitempty"`
	Metadata   model.Metadata `json:"metadata,omitempty"`
	Priority   *int           `json:"priority,omitempty"`
}

type queueResponse struct {
	Inserted   []int64  `json:"inserted"`
	Duplicates []string `json:"duplicates,omitempty"`
}

// jobsListMeta is the GET /jobs meta block.
type jobsListMeta struct {
	Total           int      `json:"total"`
	Limit           int      `json:"limit"`
	Offset          int      `json:"offset"`
	HasMore         bool     `json:"has_more"`
	ProviderBackoff []string `json:"provider_backoff"`
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

type reorderRequest struct {
	Order []int64 `json:"order"`
}

type reorderResponse struct {
	Applied int `json:"applied"`
}

type deletedResponse struct {
	Deleted bool `json:"deleted"`
}

type pauseRequest struct {
	Note string `json:"note,omitempty"`
}

// searchHit is one /search result row: a provider's SearchItem with
// the provider key attached so the client can tell hits apart.
type searchHit struct {
	Provider   string         `json:"provider"`
	ExternalID string         `json:"external_id"`
	Title      string         `json:"title"`
	Summary    string         `json:"summary,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func newSearchHit(provider string, item providers.SearchItem) searchHit {
	return searchHit{Provider: provider, ExternalID: item.ExternalID, Title: item.Title, Summary: item.Summary, Meta: item.Meta}
}

type searchError struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

type catalogCacheMeta struct {
	Hit         bool    `json:"hit"`
	AgeSeconds  float64 `json:"age_seconds"`
	TTLSeconds  float64 `json:"ttl_seconds"`
	FetchedAt   string  `json:"fetched_at,omitempty"`
	Refreshable bool    `json:"refreshable"`
}

type bulkRequest struct {
	Items   []model.BulkItem  `json:"items"`
	Options model.BulkOptions `json:"options,omitempty"`
}

type bulkResponse struct {
	TaskID int64 `json:"taskId"`
}

type storageResponse struct {
	Path       string  `json:"path"`
	TotalBytes int64   `json:"total_bytes"`
	FreeBytes  int64   `json:"free_bytes"`
	UsedPct    float64 `json:"used_pct"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Store      string `json:"store"`
	Redis      string `json:"redis"`
	Downloader string `json:"downloader"`
}
