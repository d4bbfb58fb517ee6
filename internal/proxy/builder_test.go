package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/cache"
	"sitecache/internal/config"
	"sitecache/internal/worker"
)

func TestExtractPort(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8443", "8443"},
		{"0.0.0.0:443", "443"},
		{"[::1]:9443", "9443"},
		{"localhost", ""},
	}
	for _, tt := range tests {
		if got := extractPort(tt.addr); got != tt.want {
			t.Errorf("extractPort(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestHTTPSRedirectHandler(t *testing.T) {
	h := httpsRedirectHandler(":8443")

	req := httptest.NewRequest(http.MethodGet, "http://site.test:8080/a?b=c", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "https://site.test:8443/a?b=c" {
		t.Errorf("Location = %q", got)
	}

	h = httpsRedirectHandler(":443")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://site.test/", nil))
	if got := rr.Header().Get("Location"); got != "https://site.test/" {
		t.Errorf("Location = %q", got)
	}
}

func newOrigin(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var rev atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/style.css":
			fmt.Fprintf(w, "%s rev %d", r.URL.Path, rev.Add(1))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &rev
}

func testConfig(t *testing.T, originURL string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
site:
  origin: http://site.test
origin:
  endpoints: ["` + originURL + `"]
worker:
  manifest: ["/", "/style.css"]
  storage:
    driver: bolt
    path: ` + filepath.Join(t.TempDir(), "responses.db") + `
kv:
  driver: bolt
  path: ` + filepath.Join(t.TempDir(), "kv.db") + `
`))
	require.NoError(t, err)
	return cfg
}

func TestBuild_ServesThroughWorker(t *testing.T) {
	srv, _ := newOrigin(t)
	cfg := testConfig(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := NewBuilder(cfg, nil).Build(ctx)
	require.NoError(t, err)
	defer stack.Close()

	require.Len(t, stack.Listeners, 1)
	assert.Equal(t, ":8080", stack.Listeners[0].Server.Addr)
	require.NotNil(t, stack.KV)
	require.NotNil(t, stack.Admin)

	require.NoError(t, stack.Worker.Start(ctx))
	assert.Equal(t, worker.Activated, stack.Worker.Phase())

	handler := stack.Listeners[0].Server.Handler

	req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	req.Host = "site.test"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hit", rr.Header().Get(worker.HeaderSource))
	assert.Contains(t, rr.Body.String(), "/style.css rev")

	req = httptest.NewRequest(http.MethodPost, "/form", nil)
	req.Host = "site.test"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "passthrough", rr.Header().Get(worker.HeaderSource))
}

func TestBuild_IPBlock(t *testing.T) {
	srv, _ := newOrigin(t)
	cfg := testConfig(t, srv.URL)
	cfg.Server.IPBlockCIDRs = []string{"192.0.2.0/24"}

	stack, err := NewBuilder(cfg, nil).Build(context.Background())
	require.NoError(t, err)
	defer stack.Close()

	rr := httptest.NewRecorder()
	stack.Listeners[0].Server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://site.test/", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestBuild_Listeners(t *testing.T) {
	srv, _ := newOrigin(t)
	cfg := testConfig(t, srv.URL)
	cfg.Listeners = []config.ListenerConfig{
		{Name: "http", Address: ":8080", RedirectTo: "https"},
		{Name: "https", Address: ":8443", TLS: config.TLSConfig{Enabled: true}},
	}

	stack, err := NewBuilder(cfg, nil).Build(context.Background())
	require.NoError(t, err)
	defer stack.Close()

	require.Len(t, stack.Listeners, 2)
	rr := httptest.NewRecorder()
	stack.Listeners[0].Server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://site.test/x", nil))
	assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	assert.Equal(t, "https://site.test:8443/x", rr.Header().Get("Location"))
}

func TestBuild_BadCIDR(t *testing.T) {
	srv, _ := newOrigin(t)
	cfg := testConfig(t, srv.URL)
	cfg.Server.IPBlockCIDRs = []string{"nope"}

	_, err := NewBuilder(cfg, nil).Build(context.Background())
	assert.Error(t, err)
}

func TestStack_CloseIsBoundedByShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	sched := &worker.AsyncScheduler{}
	sched.Go(func() { <-release })

	stack := &Stack{Scheduler: sched, ShutdownTimeout: 50 * time.Millisecond}

	start := time.Now()
	err := stack.Close()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenResponseStorage_MemoryKeepsPrecache(t *testing.T) {
	cfg, err := config.Parse([]byte(`
origin:
  endpoints: ["http://127.0.0.1:9000"]
worker:
  storage:
    maxEntries: 1
`))
	require.NoError(t, err)

	storage, closeFn, err := NewBuilder(cfg, nil).OpenResponseStorage()
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	precache, err := storage.Open(ctx, worker.DefaultPrecacheName)
	require.NoError(t, err)
	runtime, err := storage.Open(ctx, worker.DefaultRuntimeName)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("GET http://site.test/%d", i)
		resp := &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(key)}
		require.NoError(t, precache.Put(ctx, key, resp))
		require.NoError(t, runtime.Put(ctx, key, resp))
	}

	keys, err := precache.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	keys, err = runtime.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
