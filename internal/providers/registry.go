package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/model"
	"go.uber.org/zap"
)

// Factory builds a concrete provider Handle from its decrypted
// credential blob and key. Real wire protocols are out of scope per
// spec.md §1 ("provider-specific wire protocols... modeled only via a
// capability contract"); Factory is the seam a concrete plugin
// registers itself through.
type Factory func(key string, credentials []byte) (Handle, error)

// AuditSink records a demotion event without requiring the full audit
// writer as a hard dependency (keeps this package leaf-level).
type AuditSink interface {
	Audit(actor, action, subjectType, subjectID string, payload map[string]any)
}

// ProviderStore is the slice of the Store the Registry needs.
type ProviderStore interface {
	ListProviders(ctx context.Context) ([]model.Provider, error)
}

// Registry caches provider handles, keyed by provider key, and hides
// the concrete providers from the scheduler (spec.md §4.3). Handles are
// cached and invalidated on config/reload, matching REDESIGN FLAGS'
// "cache provider handles in the Registry, invalidate on config
// change" (spec.md §9).
type Registry struct {
	mu       sync.RWMutex
	byKey    map[string]entry
	byID     map[int64]string
	store    ProviderStore
	vault    KeyVault
	factory  Factory
	log      *zap.Logger
	audit    AuditSink
}

type entry struct {
	id      int64
	key     string
	enabled bool
	handle  Handle
}

// New builds an empty Registry; call Reload to populate it.
func New(store ProviderStore, vault KeyVault, factory Factory, log *zap.Logger, audit AuditSink) *Registry {
	return &Registry{byKey: map[string]entry{}, store: store, vault: vault, factory: factory, log: log, audit: audit}
}

// Reload re-reads every configured provider, decrypts credentials, and
// rebuilds handles. A decrypt failure demotes that single provider to
// disabled and records an audit entry rather than aborting the reload
// (spec.md §4.3 "Failures to decrypt credentials demote the provider to
// disabled at runtime... does not crash").
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry reload: %w", err)
	}
	fresh := map[string]entry{}
	for _, p := range rows {
		e := entry{id: p.ID, key: p.Key, enabled: p.Enabled}
		if !p.Enabled {
			fresh[p.Key] = e
			continue
		}
		creds, err := r.vault.Decrypt(p.Config)
		if err != nil {
			e.enabled = false
			r.log.Warn("provider demoted: credential decrypt failed", zap.String("provider", p.Key), zap.Error(err))
			if r.audit != nil {
				r.audit.Audit("system", "provider.demoted", "provider", p.Key, map[string]any{"reason": "decrypt_failed"})
			}
			fresh[p.Key] = e
			continue
		}
		handle, err := r.factory(p.Key, creds)
		if err != nil {
			e.enabled = false
			r.log.Warn("provider demoted: factory failed", zap.String("provider", p.Key), zap.Error(err))
			if r.audit != nil {
				r.audit.Audit("system", "provider.demoted", "provider", p.Key, map[string]any{"reason": "factory_failed"})
			}
			fresh[p.Key] = e
			continue
		}
		e.handle = handle
		fresh[p.Key] = e
	}
	byID := make(map[int64]string, len(fresh))
	for k, e := range fresh {
		byID[e.id] = k
	}
	r.mu.Lock()
	r.byKey = fresh
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// KeyByID resolves a provider's store id back to its key, used by
// callers (the scheduler, the worker) that hold a Job row and need its
// provider key for coordination lookups.
func (r *Registry) KeyByID(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byID[id]
	return k, ok
}

// Enabled reports whether key names an enabled provider with a live handle.
func (r *Registry) Enabled(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return ok && e.enabled && e.handle != nil
}

// IDByKey resolves a provider key to its store id, for callers building
// insertJobs' providerByKey map.
func (r *Registry) IDByKey(key string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return e.id, ok
}

// IDsByKeys resolves a set of provider keys to ids, skipping unknown keys.
func (r *Registry) IDsByKeys(keys []string) map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int64{}
	for _, k := range keys {
		if e, ok := r.byKey[k]; ok {
			out[k] = e.id
		}
	}
	return out
}

// EnabledKeys lists every currently enabled provider key, e.g. for
// fan-out search.
func (r *Registry) EnabledKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k, e := range r.byKey {
		if e.enabled && e.handle != nil {
			out = append(out, k)
		}
	}
	return out
}

// Handle returns the cached handle for key, or an error if the
// provider is unknown or disabled.
func (r *Registry) Handle(key string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	if !ok || !e.enabled || e.handle == nil {
		return nil, errkind.New(errkind.Validation, fmt.Sprintf("provider %q is not enabled", key), nil)
	}
	return e.handle, nil
}

// Resolvable returns key's handle as a Resolvable, the only capability
// the scheduler strictly needs (spec.md §4.3).
func (r *Registry) Resolvable(key string) (Resolvable, error) {
	h, err := r.Handle(key)
	if err != nil {
		return nil, err
	}
	res, ok := h.(Resolvable)
	if !ok {
		return nil, errkind.New(errkind.ProviderPermanent, fmt.Sprintf("provider %q does not support resolution", key), nil)
	}
	return res, nil
}

// VariantListable returns key's handle as a VariantListable, used by the
// Bulk Resolver to pick a preferred stream before resolving it (spec.md
// §4.8). Not every provider implements it; callers fall back to
// Resolvable alone when it doesn't.
func (r *Registry) VariantListable(key string) (VariantListable, error) {
	h, err := r.Handle(key)
	if err != nil {
		return nil, err
	}
	vl, ok := h.(VariantListable)
	if !ok {
		return nil, errkind.New(errkind.ProviderPermanent, fmt.Sprintf("provider %q does not support variant listing", key), nil)
	}
	return vl, nil
}
