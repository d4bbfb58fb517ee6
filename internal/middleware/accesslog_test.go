package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordingLogger struct {
	nopLogger
	mu   sync.Mutex
	msgs []string
	args [][]any
}

func (l *recordingLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	l.args = append(l.args, args)
}

func argValue(args []any, key string) (any, bool) {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1], true
		}
	}
	return nil, false
}

func TestAccessLog_RecordsStatusAndSource(t *testing.T) {
	logger := &recordingLogger{}
	h := AccessLog(logger, "X-Sitecache")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Sitecache", "hit")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("abc"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/x", nil))

	if len(logger.msgs) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(logger.msgs))
	}
	args := logger.args[0]
	if v, _ := argValue(args, "status"); v != http.StatusTeapot {
		t.Errorf("status = %v, want %d", v, http.StatusTeapot)
	}
	if v, _ := argValue(args, "bytes"); v != 3 {
		t.Errorf("bytes = %v, want 3", v)
	}
	if v, _ := argValue(args, "source"); v != "hit" {
		t.Errorf("source = %v, want hit", v)
	}
}

func TestAccessLog_ImplicitOK(t *testing.T) {
	logger := &recordingLogger{}
	h := AccessLog(logger, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	if v, _ := argValue(logger.args[0], "status"); v != http.StatusOK {
		t.Errorf("status = %v, want 200", v)
	}
	if _, ok := argValue(logger.args[0], "source"); ok {
		t.Error("unexpected source attribute")
	}
}
