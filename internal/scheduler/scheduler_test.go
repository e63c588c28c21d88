package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/coordination"
	"github.com/mediaqueue/orchestrator/internal/downloader"
	"github.com/mediaqueue/orchestrator/internal/errkind"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/providers"
	"github.com/mediaqueue/orchestrator/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResolvable struct {
	urls []string
	err  error
}

func (f fakeResolvable) ResolveDownloadURL(ctx context.Context, externalID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.urls, nil
}

type fakeRegistry struct {
	ids      map[string]int64
	byID     map[int64]string
	resolve  map[string]fakeResolvable
	handles  map[string]providers.Resolvable
}

func (f *fakeRegistry) IDsByKeys(keys []string) map[string]int64 {
	out := map[string]int64{}
	for _, k := range keys {
		if id, ok := f.ids[k]; ok {
			out[k] = id
		}
	}
	return out
}

func (f *fakeRegistry) Resolvable(key string) (providers.Resolvable, error) {
	if h, ok := f.handles[key]; ok {
		return h, nil
	}
	r, ok := f.resolve[key]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", key)
	}
	return r, nil
}

func (f *fakeRegistry) KeyByID(id int64) (string, bool) {
	k, ok := f.byID[id]
	return k, ok
}

type fakeDownloader struct {
	nextHandle int
	err        error
}

func (f *fakeDownloader) AddURI(ctx context.Context, urls []string, opts downloader.AddOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.nextHandle++
	return fmt.Sprintf("handle-%d", f.nextHandle), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.Store{DSN: ":memory:", MaxConnAttempts: 3, RetryBaseDelay: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestScheduler(t *testing.T, maxActive int) (*Scheduler, *store.Store, *fakeRegistry, *fakeDownloader, *coordination.Coordination) {
	t.Helper()
	s := newTestStore(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := coordination.New(rdb)
	reg := &fakeRegistry{ids: map[string]int64{}, byID: map[int64]string{}, resolve: map[string]fakeResolvable{}}
	dl := &fakeDownloader{}
	bus := eventbus.New(8, time.Minute)
	cfg := &config.Config{
		App:       config.App{MaxActiveDownloads: maxActive, MinFreeSpaceGB: 0, SchedulerTick: time.Second},
		Paths:     config.Paths{Downloads: t.TempDir()},
		Backoff:   config.Backoff{Initial: time.Minute, Max: 15 * time.Minute},
		Providers: map[string]config.Provider{},
	}
	return New(cfg, s, coord, reg, dl, bus, zap.NewNop()), s, reg, dl, coord
}

func TestSchedulerBindsQueuedJobToDownloading(t *testing.T) {
	sched, s, reg, _, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	providerID, err := s.InsertProvider(ctx, "webshare", true, nil)
	require.NoError(t, err)
	reg.ids["webshare"] = providerID
	reg.byID[providerID] = "webshare"
	reg.resolve["webshare"] = fakeResolvable{urls: []string{"https://example.invalid/a"}}

	res, err := s.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "abc", Title: "The Matrix (1999)"}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)

	sched.tick(ctx)

	job, err := s.GetJob(ctx, res.Inserted[0])
	require.NoError(t, err)
	require.Equal(t, model.StatusDownloading, job.Status)
	require.NotEmpty(t, job.DownloaderHandle)
}

func TestSchedulerRespectsConcurrencyCap(t *testing.T) {
	sched, s, reg, _, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	providerID, err := s.InsertProvider(ctx, "webshare", true, nil)
	require.NoError(t, err)
	reg.ids["webshare"] = providerID
	reg.byID[providerID] = "webshare"
	reg.resolve["webshare"] = fakeResolvable{urls: []string{"https://example.invalid/a"}}

	var ids []int64
	for i := 0; i < 5; i++ {
		res, err := s.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: fmt.Sprintf("ext-%d", i), Title: fmt.Sprintf("Title %d", i)}}, map[string]int64{"webshare": providerID})
		require.NoError(t, err)
		ids = append(ids, res.Inserted[0])
	}

	sched.tick(ctx)

	active := 0
	queued := 0
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		switch job.Status {
		case model.StatusStarting, model.StatusDownloading:
			active++
		case model.StatusQueued:
			queued++
		}
	}
	require.Equal(t, 2, active)
	require.Equal(t, 3, queued)
}

func TestSchedulerRequeuesOnTransientResolveError(t *testing.T) {
	sched, s, reg, _, coord := newTestScheduler(t, 2)
	ctx := context.Background()

	providerID, err := s.InsertProvider(ctx, "webshare", true, nil)
	require.NoError(t, err)
	reg.ids["webshare"] = providerID
	reg.byID[providerID] = "webshare"
	reg.resolve["webshare"] = fakeResolvable{err: errkind.New(errkind.ProviderTransient, "rate limited", nil)}

	res, err := s.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "abc", Title: "X"}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)

	sched.tick(ctx)

	job, err := s.GetJob(ctx, res.Inserted[0])
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, job.Status)

	_, found, err := coord.FindBackoff(ctx, "webshare")
	require.NoError(t, err)
	require.True(t, found)
}

// TestSchedulerRequeuesOnRealProviderRateLimit drives a real
// providers.HTTPHandle (the only concrete providers.Handle/Resolvable
// in production) against an httptest.Server returning 429 from
// /resolve, verifying HTTPHandle.do's status classification actually
// produces an errkind.ProviderTransient the scheduler requeues and
// backs off, rather than exercising only a hand-built fake error.
func TestSchedulerRequeuesOnRealProviderRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	t.Cleanup(srv.Close)

	creds, err := json.Marshal(map[string]string{"base_url": srv.URL})
	require.NoError(t, err)
	handle, err := providers.HTTPFactory("webshare", creds)
	require.NoError(t, err)

	sched, s, reg, _, coord := newTestScheduler(t, 2)
	ctx := context.Background()

	providerID, err := s.InsertProvider(ctx, "webshare", true, nil)
	require.NoError(t, err)
	reg.ids["webshare"] = providerID
	reg.byID[providerID] = "webshare"
	reg.handles = map[string]providers.Resolvable{"webshare": handle.(providers.Resolvable)}

	res, err := s.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "abc", Title: "X"}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)

	sched.tick(ctx)

	job, err := s.GetJob(ctx, res.Inserted[0])
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, job.Status)

	_, found, err := coord.FindBackoff(ctx, "webshare")
	require.NoError(t, err)
	require.True(t, found)
}

func TestSchedulerFailsJobOnPermanentResolveError(t *testing.T) {
	sched, s, reg, _, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	providerID, err := s.InsertProvider(ctx, "webshare", true, nil)
	require.NoError(t, err)
	reg.ids["webshare"] = providerID
	reg.byID[providerID] = "webshare"
	reg.resolve["webshare"] = fakeResolvable{err: errkind.New(errkind.ProviderPermanent, "item unavailable", nil)}

	res, err := s.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "abc", Title: "X"}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)

	sched.tick(ctx)

	job, err := s.GetJob(ctx, res.Inserted[0])
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, job.Status)
	require.NotEmpty(t, job.ErrorText)
}

func TestSchedulerSkipsPausedProviderJobs(t *testing.T) {
	sched, s, reg, _, coord := newTestScheduler(t, 2)
	ctx := context.Background()

	providerID, err := s.InsertProvider(ctx, "kraska", true, nil)
	require.NoError(t, err)
	reg.ids["kraska"] = providerID
	reg.byID[providerID] = "kraska"
	reg.resolve["kraska"] = fakeResolvable{urls: []string{"https://example.invalid/a"}}

	require.NoError(t, coord.Pause(ctx, "kraska", "admin", ""))

	res, err := s.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "kraska", ExternalID: "abc", Title: "X"}}, map[string]int64{"kraska": providerID})
	require.NoError(t, err)

	sched.tick(ctx)

	job, err := s.GetJob(ctx, res.Inserted[0])
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, job.Status)
}
