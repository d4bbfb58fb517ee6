package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"sitecache/internal/logging"
)

type ipFilter struct {
	logger logging.Logger
	nets   []*net.IPNet
}

// IPFilter constructs a middleware that blocks requests from client IPs
// within any of the given CIDR ranges. With no ranges it returns nil.
func IPFilter(logger logging.Logger, cidrs []string) (Middleware, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}

	var nets []*net.IPNet
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", c, err)
		}
		nets = append(nets, ipnet)
	}

	if logger == nil {
		logger = logging.Nop()
	}
	f := &ipFilter{
		logger: logger,
		nets:   nets,
	}

	return f.middleware, nil
}

func (f *ipFilter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := ClientIP(r)
		if clientIP == nil {
			next.ServeHTTP(w, r)
			return
		}

		for _, n := range f.nets {
			if n.Contains(clientIP) {
				f.logger.Info("ip blocked",
					"ip", clientIP.String(),
					"path", r.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For address, else the peer address.
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ipStr := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(ipStr); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
