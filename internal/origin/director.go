package origin

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// direct rewrites req onto target: scheme and host are replaced, target's
// path is prefixed and the client address is appended to X-Forwarded-For.
func direct(ctx context.Context, req *http.Request, target *url.URL) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""

	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path = joinPath(target.Path, req.URL.Path)
	if out.URL.RawPath != "" {
		out.URL.RawPath = joinPath(target.EscapedPath(), req.URL.EscapedPath())
	}

	if req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	out.Host = target.Host

	if clientIP := clientAddr(req.RemoteAddr); clientIP != "" {
		prior := req.Header.Get("X-Forwarded-For")
		if prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	return out
}

// clientAddr extracts the IP from a RemoteAddr, tolerating a missing port or
// a "scheme://" prefix.
func clientAddr(remote string) string {
	if remote == "" {
		return ""
	}
	if parts := strings.SplitN(remote, "://", 2); len(parts) == 2 {
		remote = parts[1]
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	} else if strings.Contains(err.Error(), "missing port in address") {
		return remote
	}
	return ""
}

func joinPath(a, b string) string {
	if a == "" || a == "/" {
		return b
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
