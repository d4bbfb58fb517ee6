package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/expcache"
	"sitecache/internal/kvstore"
	"sitecache/internal/worker"
)

type fakeController struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeController) HandleMessage(ctx context.Context, msg worker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch msg.Action {
	case worker.ActionSkipWaiting, worker.ActionClearCache:
		f.messages = append(f.messages, msg.Action)
		return f.err
	default:
		return fmt.Errorf("%w: %q", worker.ErrUnknownAction, msg.Action)
	}
}

func (f *fakeController) Status(ctx context.Context) (worker.Status, error) {
	return worker.Status{
		Phase:      "activated",
		Partitions: []worker.PartitionStatus{{Name: worker.DefaultPrecacheName, Entries: 15}},
	}, nil
}

type fixture struct {
	ctrl  *fakeController
	kv    *expcache.Cache
	nowNs atomic.Int64
	srv   *httptest.Server
	store *kvstore.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctrl:  &fakeController{},
		store: kvstore.NewMemory(),
	}
	f.nowNs.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	f.kv = expcache.New(f.store, expcache.Options{
		Clock:      func() time.Time { return time.Unix(0, f.nowNs.Load()) },
		MaxEntries: 10,
	})
	f.srv = httptest.NewServer(NewServer("", f.ctrl, f.kv, nil).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.nowNs.Add(int64(d))
}

func decodeJSON(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMessages(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/worker/messages", `{"action":"clearCache"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"clearCache"}, f.ctrl.messages)

	resp = f.do(t, http.MethodPost, "/worker/messages", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/worker/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessages_ControllerFailure(t *testing.T) {
	f := newFixture(t)
	f.ctrl.err = errors.New("storage offline")

	resp := f.do(t, http.MethodPost, "/worker/messages", `{"action":"skipWaiting"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestClient_SendMessageAndStatus(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, worker.ActionSkipWaiting))
	assert.Equal(t, []string{"skipWaiting"}, f.ctrl.messages)

	err := c.SendMessage(ctx, "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "activated", st.Phase)
	require.Len(t, st.Partitions, 1)
	assert.Equal(t, 15, st.Partitions[0].Entries)
}

func TestKV_PutGetDelete(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/kv/user", `{"name":"ada","langs":["go"]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/kv/user", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, decodeJSON(resp, &got))
	assert.Equal(t, "ada", got["name"])

	resp = f.do(t, http.MethodDelete, "/kv/user", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/kv/user", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKV_PutValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/kv/x", `{broken`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/kv/x?ttl=soon", `1`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKV_TTLExpiry(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/kv/token?ttl=1m", `"abc"`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	f.advance(time.Minute)
	resp = f.do(t, http.MethodGet, "/kv/token", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "still valid at exactly ttl")

	f.advance(time.Millisecond)
	resp = f.do(t, http.MethodGet, "/kv/token", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKV_StatsCleanupClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.kv.SetWithTTL(ctx, "short", 1, time.Second))
	require.True(t, f.kv.Set(ctx, "long", 2))
	require.NoError(t, f.store.Set(ctx, "other_key", "untouched"))

	f.advance(2 * time.Second)

	st, err := NewClient(f.srv.URL, time.Second).KVStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalItems)
	assert.Equal(t, 1, st.ExpiredItems)
	assert.Equal(t, expcache.DefaultNamespace, st.Namespace)
	assert.Equal(t, 10, st.MaxEntries)
	assert.NotEmpty(t, st.TotalSize)

	resp := f.do(t, http.MethodPost, "/kv/cleanup", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report expcache.CleanupReport
	require.NoError(t, decodeJSON(resp, &report))
	assert.Equal(t, 1, report.Expired)

	resp = f.do(t, http.MethodDelete, "/kv", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.kv.Size(ctx))

	v, err := f.store.Get(ctx, "other_key")
	require.NoError(t, err)
	assert.Equal(t, "untouched", v)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNoKVRoutesWithoutCache(t *testing.T) {
	srv := httptest.NewServer(NewServer("", &fakeController{}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kv/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
