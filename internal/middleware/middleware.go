// Package middleware holds the handlers wrapped around the site worker.
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that mws run in order: m1(m2(...(h))). Nil entries are
// skipped, which lets optional middlewares be passed unconditionally.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}
