package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-mods/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
	"github.com/keithlinneman/linnemanlabs-mods/internal/repohttp"
)

// TestIntegration_Repository wires a real tracked directory, synchronizer and
// repository API behind the full middleware stack.
func TestIntegration_Repository(t *testing.T) {
	repo, err := packages.New(t.TempDir(), "jar")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo.Dir(), "fabric-api.jar"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	sync, err := manifest.New(manifest.Options{
		Source: repo,
		Store:  manifest.NewFileStore(filepath.Join(repo.Dir(), "manifest.json")),
	})
	if err != nil {
		t.Fatal(err)
	}

	h := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		Manifest:     sync,
		Routes: []func(chi.Router){
			repohttp.NewAPI(sync, repo, log.Nop()).RegisterRoutes,
		},
	})

	get := func(path string, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// first fetch generates the manifest lazily
	rec := get("/manifest.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest status = %d", rec.Code)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(m.Mods) != 1 || m.Mods[0].URL != "/mods/fabric-api.jar" {
		t.Fatalf("mods = %+v", m.Mods)
	}
	if m.Mods[0].SHA256 != "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882" {
		t.Fatalf("sha256 = %s", m.Mods[0].SHA256)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	// subsequent responses carry the manifest headers
	rec = get("/manifest.json", map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("conditional status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Manifest-Digest"); len(got) != 12 {
		t.Fatalf("X-Manifest-Digest = %q", got)
	}

	rec = get(m.Mods[0].URL, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("download: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing on download")
	}

	if rec := get("/mods/missing.jar", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing download = %d", rec.Code)
	}
	if rec := get("/manifest.json.sig", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unsigned signature = %d", rec.Code)
	}
}
