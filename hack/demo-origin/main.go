package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
)

// A tiny static site serving the default precache manifest. Every body
// carries a revision that increases per request, so a stale copy served by
// sitecache is easy to tell from a fresh one.
func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	var revision atomic.Int64

	pages := map[string]string{
		"/":                         "text/html; charset=utf-8",
		"/index.html":               "text/html; charset=utf-8",
		"/login.html":               "text/html; charset=utf-8",
		"/signup.html":              "text/html; charset=utf-8",
		"/style.css":                "text/css; charset=utf-8",
		"/style2.css":               "text/css; charset=utf-8",
		"/script.js":                "text/javascript; charset=utf-8",
		"/modules/cache-manager.js": "text/javascript; charset=utf-8",
		"/modules/lazy-loader.js":   "text/javascript; charset=utf-8",
		"/p2-remove.png":            "image/png",
		"/whychoose.png":            "image/png",
		"/web.png":                  "image/png",
		"/market.png":               "image/png",
		"/app_dev.png":              "image/png",
		"/java_logo.png":            "image/png",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ctype, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		rev := revision.Add(1)
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("X-Revision", fmt.Sprint(rev))

		name := path.Base(r.URL.Path)
		switch {
		case strings.HasPrefix(ctype, "text/html"):
			fmt.Fprintf(w, "<!doctype html><title>%s</title><p>%s revision %d</p>\n", name, name, rev)
		case strings.HasPrefix(ctype, "text/css"):
			fmt.Fprintf(w, "/* %s revision %d */\nbody{font-family:sans-serif}\n", name, rev)
		case strings.HasPrefix(ctype, "text/javascript"):
			fmt.Fprintf(w, "// %s revision %d\nconsole.log(%q);\n", name, rev, name)
		default:
			fmt.Fprintf(w, "%s revision %d\n", name, rev)
		}
	})

	log.Printf("demo-origin listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}
