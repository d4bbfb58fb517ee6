package command

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecache/internal/admin"
	"sitecache/internal/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sitecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := NewApp(&buf).Run(context.Background(), append([]string{"sitecache"}, args...))
	return buf.String(), err
}

func kvConfig(t *testing.T) string {
	return writeConfig(t, `
origin:
  endpoints: ["http://127.0.0.1:1"]
kv:
  driver: bolt
  path: `+filepath.Join(t.TempDir(), "kv.db")+`
  maxEntries: 5
log:
  level: error
`)
}

func TestKV_SetGetRemove(t *testing.T) {
	cfg := kvConfig(t)

	_, err := run(t, "--config", cfg, "kv", "set", "user", `{"name":"ada"}`)
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "kv", "set", "greeting", "hello")
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "kv", "get", "user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, strings.TrimSpace(out))

	out, err = run(t, "--config", cfg, "kv", "get", "greeting")
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, strings.TrimSpace(out))

	out, err = run(t, "--config", cfg, "kv", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "2 valid")

	_, err = run(t, "--config", cfg, "kv", "rm", "user")
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "kv", "get", "user")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "kv", "clear")
	require.NoError(t, err)
	out, err = run(t, "--config", cfg, "kv", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "expired 0, evicted 0\n", out)
}

func TestKV_MissingArgs(t *testing.T) {
	cfg := kvConfig(t)

	_, err := run(t, "--config", cfg, "kv", "get")
	assert.Error(t, err)
	_, err = run(t, "--config", cfg, "kv", "set", "only-key")
	assert.Error(t, err)
}

func TestPrecache_RequiresPersistentStorage(t *testing.T) {
	cfg := writeConfig(t, "origin:\n  endpoints: [\"http://127.0.0.1:1\"]\n")

	_, err := run(t, "--config", cfg, "precache")
	assert.ErrorIs(t, err, errVolatileStorage)
}

type stubController struct {
	got []string
}

func (s *stubController) HandleMessage(ctx context.Context, msg worker.Message) error {
	s.got = append(s.got, msg.Action)
	return nil
}

func (s *stubController) Status(ctx context.Context) (worker.Status, error) {
	return worker.Status{
		Phase:      "installed",
		Partitions: []worker.PartitionStatus{{Name: "education-site-v1", Entries: 3}},
	}, nil
}

func TestMessageAndStatus(t *testing.T) {
	ctrl := &stubController{}
	srv := httptest.NewServer(admin.NewServer("", ctrl, nil, nil).Handler())
	defer srv.Close()

	out, err := run(t, "--admin", srv.URL, "message", "skipWaiting")
	require.NoError(t, err)
	assert.Equal(t, "sent skipWaiting\n", out)
	assert.Equal(t, []string{"skipWaiting"}, ctrl.got)

	out, err = run(t, "--admin", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "phase: installed")
	assert.Contains(t, out, "education-site-v1")

	_, err = run(t, "--admin", srv.URL, "message")
	assert.Error(t, err)
}
