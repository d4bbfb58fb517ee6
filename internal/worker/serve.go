package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"sitecache/internal/cache"
	"sitecache/internal/metrics"
)

// HeaderSource reports how a response was produced.
const HeaderSource = "X-Sitecache"

type Source string

const (
	SourceHit         Source = "hit"
	SourceMiss        Source = "miss"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// Intercepts reports whether req is handled through the cache. Anything else
// goes to the network untouched.
func (w *Worker) Intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if w.Phase() != Activated {
		return false
	}
	scheme, host := requestOrigin(req)
	return strings.EqualFold(scheme, w.opts.Origin.Scheme) && strings.EqualFold(host, w.opts.Origin.Host)
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	start := w.opts.Clock()

	if !w.Intercepts(req) {
		code := w.passthrough(rw, req)
		metrics.ObserveRequest(string(SourcePassthrough), req.Method, strconv.Itoa(code), w.opts.Clock().Sub(start))
		return
	}

	resp, src, err := w.Respond(req.Context(), req)
	if err != nil {
		w.opts.Logger.Warn("request failed", "url", requestURL(req), "error", err)
		http.Error(rw, err.Error(), http.StatusBadGateway)
		metrics.ObserveRequest(string(src), req.Method, strconv.Itoa(http.StatusBadGateway), w.opts.Clock().Sub(start))
		return
	}

	copyHeader(rw.Header(), resp.Header)
	rw.Header().Set(HeaderSource, string(src))
	rw.WriteHeader(resp.StatusCode)
	_, _ = rw.Write(resp.Body)

	metrics.ObserveRequest(string(src), req.Method, strconv.Itoa(resp.StatusCode), w.opts.Clock().Sub(start))
}

// Respond answers an intercepted request. A cached response is returned
// immediately and refreshed in the background; otherwise the network is
// consulted, with the cache as a fallback when the network fails.
func (w *Worker) Respond(ctx context.Context, req *http.Request) (*cache.Response, Source, error) {
	target := requestURL(req)
	key := cache.RequestKey(http.MethodGet, target)

	cached, ok, err := w.storage.Match(ctx, key)
	if err != nil {
		w.opts.Logger.Warn("cache lookup failed", "key", key, "error", err)
	}
	if ok {
		metrics.IncCacheLookup(string(SourceHit))
		w.revalidate(req, target, key)
		return cached, SourceHit, nil
	}

	resp, err := w.fetchAndCache(ctx, req, target, key)
	if err == nil {
		metrics.IncCacheLookup(string(SourceMiss))
		return resp, SourceMiss, nil
	}

	w.opts.Logger.Warn("fetch failed", "url", target, "error", err)
	if cached, ok, _ := w.storage.Match(ctx, key); ok {
		metrics.IncCacheLookup(string(SourceFallback))
		return cached, SourceFallback, nil
	}
	metrics.IncCacheLookup(string(SourceMiss))
	return nil, SourceMiss, err
}

// revalidate schedules a detached refresh of key. Concurrent refreshes of the
// same key share one fetch.
// The refresh outlives the request but not the worker: Stop cancels it.
func (w *Worker) revalidate(req *http.Request, target, key string) {
	if w.life.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	out := req.Clone(ctx)

	w.opts.Scheduler.Go(func() {
		defer cancel()
		unlink := context.AfterFunc(w.life, cancel)
		defer unlink()

		_, err, shared := w.refreshes.Do(key, func() (any, error) {
			return w.fetchAndCache(ctx, out, target, key)
		})
		if err != nil {
			w.opts.Logger.Debug("background refresh failed", "url", target, "error", err)
		}
		metrics.IncRevalidation(refreshOutcome(err, shared))
	})
}

// refreshOutcome labels a refresh. shared is also true for the caller that
// led a deduplicated fetch, so errors are checked first.
func refreshOutcome(err error, shared bool) string {
	switch {
	case err != nil:
		return "failed"
	case shared:
		return "shared"
	default:
		return "refreshed"
	}
}

// fetchAndCache goes to the network and stores a copy of a 200 response in
// the partition chosen for target. Non-200 responses are returned uncached.
func (w *Worker) fetchAndCache(ctx context.Context, req *http.Request, target, key string) (*cache.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	// Stored copies are served to every client; the transport decodes.
	out.Header.Del("Accept-Encoding")

	resp, err := w.fetcher.Fetch(ctx, out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	snap, err := w.snapshot(target, resp)
	if err != nil {
		return nil, err
	}
	if snap.StatusCode != http.StatusOK {
		return snap, nil
	}
	if int64(len(snap.Body)) > w.opts.MaxBodyBytes {
		w.opts.Logger.Debug("response too large to cache", "url", target, "bytes", len(snap.Body))
		return snap, nil
	}

	name := w.partitionFor(target)
	p, err := w.storage.Open(ctx, name)
	if err != nil {
		w.opts.Logger.Error("open partition failed", "partition", name, "error", err)
		return snap, nil
	}
	if err := p.Put(ctx, key, snap); err != nil {
		w.opts.Logger.Error("cache put failed", "partition", name, "key", key, "error", err)
	}
	return snap, nil
}

func (w *Worker) snapshot(target string, resp *http.Response) (*cache.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &cache.Response{
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     cloneHeader(resp.Header),
		Body:       body,
		StoredAt:   w.opts.Clock(),
	}, nil
}

// passthrough streams the network response as-is and returns its status.
func (w *Worker) passthrough(rw http.ResponseWriter, req *http.Request) int {
	out := req.Clone(req.Context())
	out.RequestURI = ""

	resp, err := w.fetcher.Fetch(req.Context(), out)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.opts.Logger.Warn("passthrough failed", "url", requestURL(req), "error", err)
		}
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	copyHeader(rw.Header(), resp.Header)

	trailerKeys := make([]string, 0, len(resp.Trailer))
	for k := range resp.Trailer {
		trailerKeys = append(trailerKeys, k)
	}
	if len(trailerKeys) > 0 {
		rw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	rw.Header().Set(HeaderSource, string(SourcePassthrough))
	rw.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(rw, resp.Body); err != nil {
		w.opts.Logger.Debug("passthrough copy error", "error", err)
	}

	for k, values := range resp.Trailer {
		for _, v := range values {
			rw.Header().Set(k, v)
		}
	}
	return resp.StatusCode
}

// requestOrigin derives the scheme and host a request was addressed to.
func requestOrigin(req *http.Request) (scheme, host string) {
	if req.URL.IsAbs() {
		return req.URL.Scheme, req.URL.Host
	}
	scheme = "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host = req.Host
	if host == "" {
		host = req.URL.Host
	}
	return scheme, host
}

func requestURL(req *http.Request) string {
	scheme, host := requestOrigin(req)
	return scheme + "://" + host + req.URL.RequestURI()
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}
