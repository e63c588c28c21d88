// Package catalog implements the Catalog Cache (C9): a Redis-backed,
// time-bounded cache of provider menu pages and stream variants.
// Modeled on the Redis key patterns already used throughout the
// plain go-redis primitives (rdb.Set with a TTL, rdb.Get, rdb.TTL, as used in
// internal/producer/producer.go's rate limiter).
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
)

// Clock is injected so fetched_at monotonicity (spec.md §8) is
// testable without a real time.Sleep between refreshes.
type Clock func() time.Time

// Cache serves menu and variants lookups behind one TTL'd Redis store.
type Cache struct {
	rdb   *redis.Client
	clock Clock
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, clock: time.Now}
}

// WithClock overrides the clock, e.g. in tests.
func (c *Cache) WithClock(clock Clock) *Cache {
	c.clock = clock
	return c
}

func cacheKey(kind model.CatalogEntryKind, providerKey, k string) string {
	return fmt.Sprintf("catalog:%s:%s:%s", kind, providerKey, k)
}

// Fetcher retrieves a fresh payload on a cache miss or forced refresh.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// Lookup returns the cached entry for (kind, providerKey, key),
// refreshing via fetch if there's no entry, the entry is stale, or
// refresh is requested. On a transient fetch error during refresh, a
// stale prior entry (if any) is returned marked Stale=true rather than
// failing (spec.md §4.9).
func (c *Cache) Lookup(ctx context.Context, kind model.CatalogEntryKind, providerKey, key string, ttl time.Duration, refresh bool, fetch Fetcher) (model.CatalogLookup, error) {
	k := cacheKey(kind, providerKey, key)
	existing, hasExisting, err := c.get(ctx, k)
	if err != nil {
		return model.CatalogLookup{}, err
	}
	if hasExisting && !refresh {
		age := c.clock().Sub(existing.FetchedAt)
		if age <= existing.TTL {
			return model.CatalogLookup{Hit: true, AgeSeconds: age.Seconds(), Payload: existing.Payload, Refreshable: true}, nil
		}
	}

	payload, fetchErr := fetch(ctx)
	if fetchErr != nil {
		if hasExisting {
			age := c.clock().Sub(existing.FetchedAt)
			return model.CatalogLookup{Hit: true, AgeSeconds: age.Seconds(), Payload: existing.Payload, Refreshable: true, Stale: true}, nil
		}
		return model.CatalogLookup{}, fetchErr
	}

	entry := model.CatalogEntry{ProviderKey: providerKey, Key: key, Kind: kind, Payload: payload, FetchedAt: c.clock(), TTL: ttl}
	if err := c.put(ctx, k, entry); err != nil {
		return model.CatalogLookup{}, err
	}
	return model.CatalogLookup{Hit: false, AgeSeconds: 0, Payload: payload, Refreshable: true}, nil
}

func (c *Cache) get(ctx context.Context, key string) (model.CatalogEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CatalogEntry{}, false, nil
	}
	if err != nil {
		return model.CatalogEntry{}, false, fmt.Errorf("catalog: get %s: %w", key, err)
	}
	var e model.CatalogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.CatalogEntry{}, false, fmt.Errorf("catalog: unmarshal %s: %w", key, err)
	}
	return e, true, nil
}

func (c *Cache) put(ctx context.Context, key string, e model.CatalogEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", key, err)
	}
	// Keep entries around beyond their TTL window (2x) so a stale read
	// is still possible right after expiry per spec.md §4.9's stale
	// fallback; a hard Redis TTL would delete the row instead.
	return c.rdb.Set(ctx, key, raw, e.TTL*2).Err()
}
