// Package providers implements the Provider Registry (C3): it loads
// enabled providers, decrypts their credentials via an injected
// KeyVault, and yields capability-typed handles. Modeled on the
// posture of logging-and-continuing on recoverable setup
// errors (internal/config's fail-fast Validate is for config; here a
// single provider's bad credentials demotes just that provider rather
// than aborting startup).
package providers

import "context"

// SearchItem is one hit of a Searchable.search call.
type SearchItem struct {
	ExternalID string         `json:"external_id"`
	Title      string         `json:"title"`
	Summary    string         `json:"summary,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// MenuItem is one entry of a Browsable.menu result.
type MenuItem struct {
	Type       string         `json:"type"` // "dir" | "file"
	Label      string         `json:"label"`
	Path       string         `json:"path,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Menu is the full result of a Browsable.menu call.
type Menu struct {
	Title string     `json:"title"`
	Items []MenuItem `json:"items"`
}

// Variant is one stream variant of a VariantListable.variants call.
type Variant struct {
	ID             string  `json:"id"`
	Quality        string  `json:"quality"`
	SizeBytes      int64   `json:"size_bytes,omitempty"`
	BitrateKbps    int     `json:"bitrate_kbps,omitempty"`
	DurationSecs   int     `json:"duration_seconds,omitempty"`
	AudioCodec     string  `json:"audio_codec,omitempty"`
}

// ProviderStatus is the result of a StatusCapable.status call.
type ProviderStatus struct {
	Authenticated bool `json:"authenticated"`
	DaysLeft      *int `json:"days_left,omitempty"`
}

// Searchable providers can answer free-text queries.
type Searchable interface {
	Search(ctx context.Context, query string, limit int) ([]SearchItem, error)
}

// Browsable providers expose a directory-style catalog.
type Browsable interface {
	Menu(ctx context.Context, path string) (Menu, error)
}

// VariantListable providers expose alternate stream qualities for one item.
type VariantListable interface {
	Variants(ctx context.Context, externalID string) ([]Variant, error)
}

// Resolvable is the only capability the scheduler strictly needs: it
// turns an external id into one or more direct URLs.
type Resolvable interface {
	ResolveDownloadURL(ctx context.Context, externalID string) ([]string, error)
}

// StatusCapable providers can report account/session health.
type StatusCapable interface {
	Status(ctx context.Context) (ProviderStatus, error)
}

// CatalogListable / CatalogItemsFetchable / MetaFetchable are the
// richer catalog-style browse capabilities spec.md §4.3 names; kept as
// a single optional interface here since no in-pack provider
// implementation distinguishes them further.
type CatalogItemsFetchable interface {
	CatalogItems(ctx context.Context, path string) ([]MenuItem, error)
}

// Handle is whatever a concrete provider plugin returns; callers type-
// assert to the capability they need.
type Handle interface {
	Key() string
}
