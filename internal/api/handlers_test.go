package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mediaqueue/orchestrator/internal/audit"
	"github.com/mediaqueue/orchestrator/internal/catalog"
	"github.com/mediaqueue/orchestrator/internal/config"
	"github.com/mediaqueue/orchestrator/internal/coordination"
	"github.com/mediaqueue/orchestrator/internal/downloader"
	"github.com/mediaqueue/orchestrator/internal/eventbus"
	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/mediaqueue/orchestrator/internal/providers"
	"github.com/mediaqueue/orchestrator/internal/store"
	"github.com/mediaqueue/orchestrator/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWorkerDownloader satisfies worker.Downloader without reaching a
// real content-transfer daemon, the same double used in
// internal/worker's own tests.
type fakeWorkerDownloader struct {
	statuses map[string]downloader.Status
	active   []string
}

func (f *fakeWorkerDownloader) Status(ctx context.Context, handle string) (downloader.Status, error) {
	st, ok := f.statuses[handle]
	if !ok {
		return downloader.Status{}, nil
	}
	return st, nil
}
func (f *fakeWorkerDownloader) Pause(ctx context.Context, handle string) error   { return nil }
func (f *fakeWorkerDownloader) Unpause(ctx context.Context, handle string) error { return nil }
func (f *fakeWorkerDownloader) Remove(ctx context.Context, handle string) error  { return nil }
func (f *fakeWorkerDownloader) Purge(ctx context.Context, handle string) error   { return nil }
func (f *fakeWorkerDownloader) TellActive(ctx context.Context) ([]string, error) {
	return f.active, nil
}

type fakeWorkerRegistry struct{}

func (fakeWorkerRegistry) KeyByID(id int64) (string, bool) { return "", false }

type fakeMediaServer struct{}

func (fakeMediaServer) RefreshLibrary(ctx context.Context) error { return nil }

// rpcServer stands up a minimal JSON-RPC HTTP endpoint so the
// *downloader.GatedClient held by Handler.dl can answer TellActive
// without ever leaving localhost.
func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tellActive":
			_, _ = w.Write([]byte(`{"result":[]}`))
		default:
			_, _ = w.Write([]byte(`{"result":null}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testHandler struct {
	h            *Handler
	store        *store.Store
	registry     *providers.Registry
	downloadsDir string
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()
	st, err := store.Open(config.Store{DSN: ":memory:", MaxConnAttempts: 3, RetryBaseDelay: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	coord := coordination.New(rdb)
	cache := catalog.New(rdb)

	reg := providers.New(st, fakeVaultPassthrough{}, func(key string, credentials []byte) (providers.Handle, error) {
		return fakeProviderHandle{key: key}, nil
	}, zap.NewNop(), nil)
	require.NoError(t, reg.Reload(context.Background()))

	bus := eventbus.New(8, time.Minute)
	downloadsDir := t.TempDir()
	cfg := &config.Config{
		App:     config.App{WorkerTick: time.Second, DefaultSearchLimit: 25},
		Paths:   config.Paths{Downloads: downloadsDir, Library: t.TempDir()},
		Backoff: config.Backoff{Initial: time.Minute, Max: 15 * time.Minute},
	}
	wk := worker.New(cfg, st, &fakeWorkerDownloader{statuses: map[string]downloader.Status{}}, coord, fakeWorkerRegistry{}, fakeMediaServer{}, bus, zap.NewNop())

	rpc := newRPCServer(t)
	dl := downloader.NewGated(config.Downloader{RPCURL: rpc.URL, CallTimeout: 2 * time.Second, MaxRetries: 1}, config.CircuitBreaker{Window: time.Minute, CooldownPeriod: time.Second, FailureThreshold: 0.5, MinSamples: 1})

	aw, err := audit.New(config.Audit{Enabled: false})
	require.NoError(t, err)

	h := NewHandler(cfg, st, reg, coord, cache, wk, bus, dl, aw, zap.NewNop())
	return &testHandler{h: h, store: st, registry: reg, downloadsDir: downloadsDir}
}

func (th *testHandler) router() http.Handler {
	return th.h.routes(HeaderAuthenticator{}, config.API{
		RateLimitPerMinute: 6000,
		RateLimitBurst:     1000,
		CORSAllowOrigins:   []string{"*"},
	})
}

type fakeVaultPassthrough struct{}

func (fakeVaultPassthrough) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (fakeVaultPassthrough) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }

type fakeProviderHandle struct{ key string }

func (h fakeProviderHandle) Key() string { return h.key }

func doRequest(t *testing.T, router http.Handler, method, path string, userID int64, admin bool, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-User-Id", strconv.FormatInt(userID, 10))
	}
	if admin {
		req.Header.Set("X-User-Role", string(model.RoleAdmin))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedProvider(t *testing.T, s *store.Store, key string) int64 {
	t.Helper()
	id, err := s.InsertProvider(context.Background(), key, true, nil)
	require.NoError(t, err)
	return id
}

func TestHandleQueueInsertsJobsForKnownProvider(t *testing.T) {
	th := newTestHandler(t)
	seedProvider(t, th.store, "webshare")
	router := th.router()

	rec := doRequest(t, router, http.MethodPost, "/queue", 1, false, map[string]any{
		"items": []map[string]any{
			{"provider": "webshare", "external_id": "abc", "title": "The Matrix (1999)"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
}

func TestHandleQueueRejectsUnknownProvider(t *testing.T) {
	th := newTestHandler(t)
	router := th.router()

	rec := doRequest(t, router, http.MethodPost, "/queue", 1, false, map[string]any{
		"items": []map[string]any{{"provider": "ghost", "external_id": "abc"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueueRejectsEmptyItems(t *testing.T) {
	th := newTestHandler(t)
	router := th.router()

	rec := doRequest(t, router, http.MethodPost, "/queue", 1, false, map[string]any{"items": []map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueueRejectsUnauthenticated(t *testing.T) {
	th := newTestHandler(t)
	router := th.router()

	rec := doRequest(t, router, http.MethodPost, "/queue", 0, false, map[string]any{"items": []map[string]any{}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleListJobsReturnsOnlyOwnJobsForNonAdmin(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	ctx := context.Background()
	_, err := th.store.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "Mine", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	_, err = th.store.InsertJobs(ctx, 2, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "b", Title: "Not mine", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)

	router := th.router()
	rec := doRequest(t, router, http.MethodGet, "/jobs?mine=1", 1, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data []model.Job  `json:"data"`
		Meta jobsListMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	require.Equal(t, "Mine", env.Data[0].Title)
}

func TestHandleJobStatsReturnsStatusCounts(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	_, err := th.store.InsertJobs(context.Background(), 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "X", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)

	router := th.router()
	rec := doRequest(t, router, http.MethodGet, "/jobs/stats", 1, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, int64(1), env.Data[string(model.StatusQueued)])
}

func TestHandleJobPriorityUpdatesOwnedJob(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	res, err := th.store.InsertJobs(context.Background(), 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "X", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	jobID := res.Inserted[0]

	router := th.router()
	rec := doRequest(t, router, http.MethodPatch, "/jobs/"+strconv.FormatInt(jobID, 10)+"/priority", 1, false, map[string]any{"priority": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := th.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 5, job.Priority)
}

func TestHandleJobPriorityForbidsNonOwner(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	res, err := th.store.InsertJobs(context.Background(), 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "X", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	jobID := res.Inserted[0]

	router := th.router()
	rec := doRequest(t, router, http.MethodPatch, "/jobs/"+strconv.FormatInt(jobID, 10)+"/priority", 2, false, map[string]any{"priority": 5})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleReorderChecksOwnershipForNonAdmin(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	ctx := context.Background()
	res1, err := th.store.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "Mine", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	res2, err := th.store.InsertJobs(ctx, 2, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "b", Title: "Other", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)

	router := th.router()
	rec := doRequest(t, router, http.MethodPost, "/jobs/reorder", 1, false, map[string]any{"order": []int64{res1.Inserted[0], res2.Inserted[0]}})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleDeleteJobMarksJobDeleted(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	ctx := context.Background()
	res, err := th.store.InsertJobs(ctx, 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "X", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	jobID := res.Inserted[0]
	for _, step := range [][2]model.Status{
		{model.StatusQueued, model.StatusStarting},
		{model.StatusStarting, model.StatusDownloading},
		{model.StatusDownloading, model.StatusCompleted},
	} {
		_, err = th.store.Transition(ctx, jobID, step[0], step[1], store.TransitionFields{})
		require.NoError(t, err)
	}

	router := th.router()
	rec := doRequest(t, router, http.MethodDelete, "/jobs/"+strconv.FormatInt(jobID, 10), 1, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := th.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDeleted, job.Status)
}

func TestHandleJobControlCancelDelegatesToWorker(t *testing.T) {
	th := newTestHandler(t)
	providerID := seedProvider(t, th.store, "webshare")
	res, err := th.store.InsertJobs(context.Background(), 1, []store.InsertItem{{ProviderKey: "webshare", ExternalID: "a", Title: "X", Category: model.CategoryMovies}}, map[string]int64{"webshare": providerID})
	require.NoError(t, err)
	jobID := res.Inserted[0]

	router := th.router()
	rec := doRequest(t, router, http.MethodPatch, "/jobs/"+strconv.FormatInt(jobID, 10)+"/cancel", 1, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := th.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCanceled, job.Status)
}

func TestHandleListProvidersRequiresAdmin(t *testing.T) {
	th := newTestHandler(t)
	router := th.router()

	rec := doRequest(t, router, http.MethodGet, "/providers", 1, false, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/providers", 1, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePauseAndResumeProviderRoundTrip(t *testing.T) {
	th := newTestHandler(t)
	seedProvider(t, th.store, "webshare")
	router := th.router()

	rec := doRequest(t, router, http.MethodPost, "/providers/webshare/pause", 1, true, map[string]any{"note": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)

	paused, found, err := th.h.coord.FindPause(context.Background(), "webshare")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "maintenance", paused.Note)

	rec = doRequest(t, router, http.MethodPost, "/providers/webshare/resume", 1, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, found, err = th.h.coord.FindPause(context.Background(), "webshare")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHandlePauseProviderRequiresAdmin(t *testing.T) {
	th := newTestHandler(t)
	seedProvider(t, th.store, "webshare")
	router := th.router()

	rec := doRequest(t, router, http.MethodPost, "/providers/webshare/pause", 1, false, map[string]any{"note": "x"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleStorageReportsDownloadsRoot(t *testing.T) {
	th := newTestHandler(t)
	router := th.router()

	rec := doRequest(t, router, http.MethodGet, "/system/storage", 1, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data storageResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, th.downloadsDir, env.Data.Path)
	require.Greater(t, env.Data.TotalBytes, int64(0))
}

func TestHandleHealthReportsOKWhenAllCollaboratorsReachable(t *testing.T) {
	th := newTestHandler(t)
	router := th.router()

	rec := doRequest(t, router, http.MethodGet, "/system/health", 0, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "ok", resp.Downloader)
}
