// Package web serves the embedded browser shell of incitrack. It is mounted
// behind the browser session gate, so every page load already carries a
// verified user.
package web

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"sort"
	"strings"
)

//go:embed dist/*
var content embed.FS

// MetaFunc returns per-request <meta> tags keyed by name. The shell reads
// them on boot instead of issuing a round-trip to /auth/me.
type MetaFunc func(r *http.Request) map[string]string

// Handler returns an http.Handler that serves the embedded shell assets.
//
// When metaFunc is provided, HTML responses carry its tags right before
// </head>. Unknown paths fall back to index.html so deep links survive a
// reload.
func Handler(metaFunc MetaFunc) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}

	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	indexTemplate := string(indexBytes)

	static := http.FileServer(http.FS(fsys))

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if metaFunc == nil {
			w.Write(indexBytes)
			return
		}
		tags := metaTags(metaFunc(r))
		if tags == "" {
			w.Write(indexBytes)
			return
		}
		w.Write([]byte(strings.Replace(indexTemplate, "</head>", tags+"  </head>", 1)))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "." || cleanPath == "" || cleanPath == "index.html" {
			serveIndex(w, r)
			return
		}

		if _, err := fs.Stat(fsys, cleanPath); err == nil {
			static.ServeHTTP(w, r)
			return
		}

		serveIndex(w, r)
	}), nil
}

func metaTags(meta map[string]string) string {
	names := make([]string, 0, len(meta))
	for name, value := range meta {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "  <meta name=\"%s\" content=\"%s\">\n", html.EscapeString(name), html.EscapeString(meta[name]))
	}
	return sb.String()
}
