package model

import (
	"encoding/json"
	"time"
)

// CatalogEntryKind distinguishes the two caches described in spec.md
// §4.9: menu pages (Browsable) and stream variants (VariantListable).
type CatalogEntryKind string

const (
	CatalogMenu     CatalogEntryKind = "menu"
	CatalogVariants CatalogEntryKind = "variants"
)

// CatalogEntry is a cached provider browse/variant result, keyed by
// (provider_key, path-or-external-id) at the store layer.
type CatalogEntry struct {
	ProviderKey string          `json:"provider_key"`
	Key         string          `json:"key"`
	Kind        CatalogEntryKind `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	FetchedAt   time.Time       `json:"fetched_at"`
	TTL         time.Duration   `json:"ttl"`
}

// CatalogLookup is the result shape callers receive (spec.md §4.9).
type CatalogLookup struct {
	Hit         bool            `json:"hit"`
	AgeSeconds  float64         `json:"age_seconds"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Refreshable bool            `json:"refreshable"`
	Stale       bool            `json:"stale"`
}
