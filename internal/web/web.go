// Package web serves the browser client from a static directory.
package web

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Handler serves index.html at "/" and flat files at "/{file}" from one
// directory. Names that are not a single valid path element, directories
// and anything outside the directory answer 404.
type Handler struct {
	root *os.Root
}

// New opens dir for serving. Close releases it.
func New(dir string) (*Handler, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("web: open static dir: %w", err)
	}
	return &Handler{root: root}, nil
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.serveIndex)
	mux.HandleFunc("GET /{file}", h.serveFile)
}

// Close releases the directory handle.
func (h *Handler) Close() error {
	return h.root.Close()
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "index.html")
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, r.PathValue("file"))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, name string) {
	if !fs.ValidPath(name) || name == "." || strings.ContainsAny(name, `/\`) {
		http.NotFound(w, r)
		return
	}
	fsys := h.root.FS()
	info, err := fs.Stat(fsys, name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("web: stat failed", "file", name, "err", err)
		}
		http.NotFound(w, r)
		return
	}
	if !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, fsys, name)
}
