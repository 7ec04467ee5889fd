package gateway

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/cache"
)

// ReadinessHeader tells clients whether the archive was confirmed by the
// network or is being served from whatever was available locally.
const ReadinessHeader = "X-Archive-Readiness"

// Adapter writes archive content for one request. p is the archive-relative
// path and always starts with "/".
type Adapter interface {
	ServeArchive(w http.ResponseWriter, r *http.Request, lease *cache.Lease, p string)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(w http.ResponseWriter, r *http.Request, lease *cache.Lease, p string)

// ServeArchive calls f.
func (f AdapterFunc) ServeArchive(w http.ResponseWriter, r *http.Request, lease *cache.Lease, p string) {
	f(w, r, lease, p)
}

// FileAdapter serves handles that expose an fs.FS through http.FileServerFS.
//
// A best-effort archive may not have replicated the requested file yet. In
// that case the response is an empty 200 rather than a 404.
type FileAdapter struct{}

// ServeArchive implements Adapter.
func (FileAdapter) ServeArchive(w http.ResponseWriter, r *http.Request, lease *cache.Lease, p string) {
	fsh, ok := lease.Handle().(archive.Filesystem)
	if !ok {
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	fsys := fsh.FS()
	readiness := lease.Readiness()
	w.Header().Set(ReadinessHeader, readiness.String())

	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" {
		name = "."
	}
	if _, err := fs.Stat(fsys, name); errors.Is(err, fs.ErrNotExist) && readiness == cache.ReadyBestEffort {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = p
	r2.URL.RawPath = ""
	http.FileServerFS(fsys).ServeHTTP(w, r2)
}
