package handlers

import (
	"io/fs"
	"net/http"
)

// UI serves index.html at / and the static assets under /static/.
func UI(assets fs.FS) http.Handler {
	files := http.FileServerFS(assets)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if "/" == r.URL.Path {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFileFS(w, r, assets, "index.html")
			return
		}

		files.ServeHTTP(w, r)
	})
}
