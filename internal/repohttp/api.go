// Package repohttp serves the client-facing repository: the manifest, its
// detached signature and the package downloads it points at.
package repohttp

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-mods/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
)

// Manifests is implemented by *manifest.Synchronizer.
type Manifests interface {
	FetchRaw(ctx context.Context) ([]byte, error)
	FetchSignature(ctx context.Context) ([]byte, error)
}

// Files is implemented by *packages.Repository.
type Files interface {
	OpenFile(name string) (*os.File, fs.FileInfo, error)
}

type API struct {
	manifests Manifests
	files     Files
	logger    log.Logger
}

func NewAPI(manifests Manifests, files Files, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{manifests: manifests, files: files, logger: logger}
}

// RegisterRoutes attaches the public repository endpoints to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/manifest.json", api.HandleManifest)
	r.Get("/manifest.json.sig", api.HandleSignature)
	r.Get("/mods/{filename}", api.HandlePackage)
}

// HandleManifest serves the persisted manifest bytes as stored, so the ETag
// and any detached signature cover exactly what the client receives.
func (api *API) HandleManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := api.manifests.FetchRaw(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			api.logger.Warn(ctx, "manifest requested but none available", "error", err)
			writeError(w, http.StatusNotFound, "manifest not found")
			return
		}
		api.logger.Error(ctx, err, "failed to read manifest")
		writeError(w, http.StatusInternalServerError, "failed to read manifest")
		return
	}

	etag := `"` + cryptoutil.SHA256Hex(raw) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(raw)
	}
}

func (api *API) HandleSignature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sig, err := api.manifests.FetchSignature(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "signature not found")
			return
		}
		api.logger.Error(ctx, err, "failed to read manifest signature")
		writeError(w, http.StatusInternalServerError, "failed to read signature")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(sig)
	}
}

// HandlePackage streams one package. http.ServeContent handles Range,
// If-Modified-Since and HEAD.
func (api *API) HandlePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "filename")
	if r.URL.RawPath != "" {
		// chi matched against the escaped path
		if un, err := url.PathUnescape(name); err == nil {
			name = un
		}
	}

	f, info, err := api.files.OpenFile(name)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		api.logger.Error(ctx, err, "failed to open package", "filename", name)
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/java-archive")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, packages.ErrNotFound) ||
		errors.Is(err, packages.ErrInvalidName) ||
		errors.Is(err, packages.ErrNotAccepted)
}

// etagMatch implements the weak comparison If-None-Match uses.
func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == etag {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
