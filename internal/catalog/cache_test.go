package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestLookupMissFetchesAndCaches(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}

	res, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, fetch)
	require.NoError(t, err)
	require.False(t, res.Hit)
	require.Equal(t, 1, calls)

	res2, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, fetch)
	require.NoError(t, err)
	require.True(t, res2.Hit)
	require.Equal(t, 1, calls, "second lookup within TTL should not refetch")
	require.JSONEq(t, `{"n":1}`, string(res2.Payload))
}

func TestLookupRefetchesAfterTTLExpires(t *testing.T) {
	now := time.Now()
	c := newTestCache(t).WithClock(func() time.Time { return now })
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}

	_, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	res, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, fetch)
	require.NoError(t, err)
	require.False(t, res.Hit)
	require.Equal(t, 2, calls)
}

func TestLookupForceRefreshBypassesFreshEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}

	_, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, fetch)
	require.NoError(t, err)

	_, err = c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, true, fetch)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "refresh=true should bypass the still-fresh entry")
}

func TestLookupFallsBackToStaleOnFetchError(t *testing.T) {
	now := time.Now()
	c := newTestCache(t).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"n":1}`), nil
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	res, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("provider unreachable")
	})
	require.NoError(t, err)
	require.True(t, res.Hit)
	require.True(t, res.Stale)
	require.JSONEq(t, `{"n":1}`, string(res.Payload))
}

func TestLookupReturnsErrorOnFetchErrorWithNoPriorEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Lookup(ctx, model.CatalogMenu, "webshare", "home", time.Minute, false, func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("provider unreachable")
	})
	require.Error(t, err)
}

func TestLookupFetchedAtIsMonotonicAcrossRefreshes(t *testing.T) {
	base := time.Now()
	now := base
	c := newTestCache(t).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := c.Lookup(ctx, model.CatalogVariants, "webshare", "abc", time.Minute, false, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"v":1}`), nil
	})
	require.NoError(t, err)

	now = base.Add(2 * time.Minute)
	_, err = c.Lookup(ctx, model.CatalogVariants, "webshare", "abc", time.Minute, false, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"v":2}`), nil
	})
	require.NoError(t, err)

	now = base.Add(2 * time.Minute)
	res, err := c.Lookup(ctx, model.CatalogVariants, "webshare", "abc", time.Minute, false, nil)
	require.NoError(t, err)
	require.True(t, res.Hit)
	require.JSONEq(t, `{"v":2}`, string(res.Payload))
}
