// Package adminhttp is the password-gated admin surface: the login flow, the
// single-page admin UI and the JSON API it drives.
package adminhttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-mods/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-mods/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
)

const (
	loginTemplate = "login.html"
	indexTemplate = "index.html"
)

type API struct {
	opts Options
}

func NewAPI(opts Options) (*API, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &API{opts: opts}, nil
}

// RegisterRoutes attaches the admin pages and /api/* to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/admin", http.StatusFound)
	})
	r.Get("/login", api.HandleLoginPage)
	// LoginLimit may be nil; Chain skips it
	r.Method(http.MethodPost, "/login",
		httpmw.Chain(http.HandlerFunc(api.HandleLogin), httpmw.Scope("login"), api.opts.LoginLimit))
	r.Get("/logout", api.HandleLogout)
	r.With(api.requirePage).Get("/admin", api.HandleAdmin)

	if api.opts.Static != nil {
		r.Handle("/static/*", http.StripPrefix("/static/", staticHandler(api.opts.Static)))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(api.requireAPI, api.requireCSRF)
		r.Get("/mods", api.HandleListMods)
		r.With(httpmw.MaxBody(api.opts.MaxUploadBytes)).Post("/upload", api.HandleUpload)
		r.Delete("/mods/{filename}", api.HandleDeleteMod)
		r.Post("/regenerate", api.HandleRegenerate)
		r.Get("/stats", api.HandleStats)
	})
}

func staticHandler(fsys fs.FS) http.Handler {
	files := http.FileServerFS(fsys)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		files.ServeHTTP(w, r)
	})
}

type modJSON struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	Modified time.Time `json:"modified"`
}

// HandleListMods hashes the live directory rather than reading the
// manifest, so the UI shows files the manifest does not know about yet.
func (api *API) HandleListMods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	files, err := api.opts.Packages.List(ctx)
	if err != nil {
		api.opts.Logger.Error(ctx, err, "failed to list packages")
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to list mods"))
		return
	}
	mods := make([]modJSON, 0, len(files))
	for _, f := range files {
		sum, err := api.hash(f.Name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			api.opts.Logger.Error(ctx, err, "failed to hash package", "filename", f.Name)
			writeJSON(w, http.StatusInternalServerError, errorBody("failed to read mods"))
			return
		}
		mods = append(mods, modJSON{Filename: f.Name, Size: f.Size, SHA256: sum, Modified: f.ModTime.UTC()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mods": mods})
}

func (api *API) hash(name string) (string, error) {
	rc, err := api.opts.Packages.Open(name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := cryptoutil.SHA256Reader(rc)
	return sum, err
}

// HandleUpload streams every "file" part straight into the tracked
// directory, then regenerates once for the whole batch.
func (api *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := api.opts.Logger

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("No file provided"))
		return
	}

	uploaded := []string{}
	skipped := []string{}
	sawFile := false
	var uploadErr error
	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				uploadErr = err
			}
			break
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}
		sawFile = true
		name := part.FileName()
		if !api.opts.Packages.Accepts(name) {
			skipped = append(skipped, name)
			api.metric(func(m Metrics) { m.IncUpload("rejected") })
			part.Close()
			continue
		}
		f, err := api.opts.Packages.Save(ctx, name, part)
		part.Close()
		if errors.Is(err, packages.ErrInvalidName) || errors.Is(err, packages.ErrNotAccepted) {
			skipped = append(skipped, name)
			api.metric(func(m Metrics) { m.IncUpload("rejected") })
			continue
		}
		if err != nil {
			uploadErr = err
			break
		}
		uploaded = append(uploaded, f.Name)
		api.metric(func(m Metrics) {
			m.IncUpload("ok")
			m.AddUploadBytes(f.Size)
		})
		L.Info(ctx, "package uploaded", "filename", f.Name, "size", f.Size)
	}

	var manifestErr error
	if len(uploaded) > 0 {
		_, manifestErr = api.opts.Manifests.RegenerateFor(ctx, "upload")
	}

	if uploadErr != nil {
		api.metric(func(m Metrics) { m.IncUpload("error") })
		status, msg := http.StatusInternalServerError, "upload failed"
		var tooBig *http.MaxBytesError
		if errors.As(uploadErr, &tooBig) {
			status, msg = http.StatusRequestEntityTooLarge, "upload exceeds size limit"
		} else {
			L.Error(ctx, uploadErr, "package upload failed", "uploaded", len(uploaded))
		}
		resp := map[string]any{
			"error":    msg,
			"uploaded": uploaded,
		}
		// files saved before the failure were still regenerated
		if manifestErr != nil {
			resp["manifest_error"] = manifestErr.Error()
		}
		writeJSON(w, status, resp)
		return
	}
	if !sawFile {
		writeJSON(w, http.StatusBadRequest, errorBody("No file provided"))
		return
	}
	if len(uploaded) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "No valid files uploaded",
			"skipped": skipped,
		})
		return
	}

	resp := map[string]any{
		"success":  true,
		"uploaded": uploaded,
		"skipped":  skipped,
		"message":  plural(len(uploaded), "mod") + " uploaded",
	}
	if manifestErr != nil {
		resp["manifest_error"] = manifestErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) HandleDeleteMod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := urlParam(r, "filename")

	if err := api.opts.Packages.Remove(name); err != nil {
		if errors.Is(err, packages.ErrNotFound) {
			api.metric(func(m Metrics) { m.IncDelete("not_found") })
			writeJSON(w, http.StatusNotFound, errorBody("File not found"))
			return
		}
		api.metric(func(m Metrics) { m.IncDelete("error") })
		api.opts.Logger.Error(ctx, err, "failed to delete package", "filename", name)
		writeJSON(w, http.StatusInternalServerError, errorBody("delete failed"))
		return
	}
	api.metric(func(m Metrics) { m.IncDelete("ok") })
	api.opts.Logger.Info(ctx, "package deleted", "filename", name)

	resp := map[string]any{
		"success": true,
		"message": name + " deleted",
	}
	if _, err := api.opts.Manifests.RegenerateFor(ctx, "delete"); err != nil {
		resp["manifest_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	m, err := api.opts.Manifests.RegenerateFor(r.Context(), "admin")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("manifest regeneration failed: "+err.Error()))
		return
	}
	st := api.opts.Manifests.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Manifest regenerated",
		"entries": len(m.Mods),
		"digest":  st.Digest,
		"skipped": nonNil(m.Skipped()),
	})
}

func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := api.opts.Packages.Stats(ctx)
	if err != nil {
		api.opts.Logger.Error(ctx, err, "failed to compute package stats")
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read stats"))
		return
	}
	st := api.opts.Manifests.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_mods":       stats.Count,
		"total_size":       stats.TotalSize,
		"last_modified":    timeOrNil(stats.LastModified),
		"manifest_updated": timeOrNil(st.GeneratedAt),
		"manifest_digest":  st.Digest,
	})
}

func (api *API) metric(fn func(Metrics)) {
	if api.opts.Metrics != nil {
		fn(api.opts.Metrics)
	}
}

// urlParam undoes chi matching against the escaped path when the request
// carried encoded characters.
func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath != "" {
		if un, err := url.PathUnescape(v); err == nil {
			return un
		}
	}
	return v
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
