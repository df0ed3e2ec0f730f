package httpserver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-mods/internal/health"
	"github.com/keithlinneman/linnemanlabs-mods/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
)

type stubManifestInfo struct {
	digest string
	at     time.Time
}

func (s stubManifestInfo) Digest() string         { return s.digest }
func (s stubManifestInfo) GeneratedAt() time.Time { return s.at }

func defaultOpts() *Options {
	return &Options{Logger: log.Nop()}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestNewHandler_SecurityHeaders(t *testing.T) {
	h := NewHandler(defaultOpts())
	rec := doRequest(t, h, "GET", "/anything")

	for _, hdr := range []string{
		"Content-Security-Policy",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
		"Cross-Origin-Opener-Policy",
	} {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("missing security header: %s", hdr)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must be opt-in")
	}

	opts := defaultOpts()
	opts.HSTS = true
	if doRequest(t, NewHandler(opts), "GET", "/").Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing when enabled")
	}
}

func TestNewHandler_NotFoundJSON(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), "GET", "/nonexistent")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing on 404")
	}
}

func TestNewHandler_MethodNotAllowed(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = []func(chi.Router){func(r chi.Router) {
		r.Get("/manifest.json", func(w http.ResponseWriter, _ *http.Request) {})
	}}
	rec := doRequest(t, NewHandler(opts), "POST", "/manifest.json")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	h := NewHandler(defaultOpts())

	a := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	b := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	if a == "" || a == b {
		t.Fatalf("request ids %q %q", a, b)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "upstream-abc-123")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "upstream-abc-123" {
		t.Fatalf("propagated id = %q", got)
	}
}

func TestNewHandler_Routes(t *testing.T) {
	opts := defaultOpts()
	opts.Routes = []func(chi.Router){
		func(r chi.Router) {
			r.Get("/manifest.json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m")) })
		},
		nil,
		func(r chi.Router) {
			r.Get("/admin", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("a")) })
		},
	}
	h := NewHandler(opts)
	for path, want := range map[string]string{"/manifest.json": "m", "/admin": "a"} {
		rec := doRequest(t, h, "GET", path)
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Errorf("%s: %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestNewHandler_HealthEndpoints(t *testing.T) {
	var gate health.ShutdownGate
	opts := defaultOpts()
	opts.Health = health.Fixed(true, "")
	opts.Readiness = gate.Probe()
	h := NewHandler(opts)

	if rec := doRequest(t, h, "GET", "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := doRequest(t, h, "GET", "/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining ready = %d", rec.Code)
	}

	if rec := doRequest(t, NewHandler(defaultOpts()), "GET", "/-/healthy"); rec.Code != http.StatusNotFound {
		t.Fatalf("nil probe should not register route, got %d", rec.Code)
	}
}

func TestNewHandler_ManifestHeaders(t *testing.T) {
	opts := defaultOpts()
	opts.Manifest = stubManifestInfo{
		digest: "0123456789abcdef0123",
		at:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rec := doRequest(t, NewHandler(opts), "GET", "/")
	if got := rec.Header().Get("X-Manifest-Digest"); got != "0123456789ab" {
		t.Fatalf("digest header = %q", got)
	}
	if got := rec.Header().Get("X-Manifest-Updated"); got != "2025-03-01T12:00:00Z" {
		t.Fatalf("updated header = %q", got)
	}

	rec = doRequest(t, NewHandler(defaultOpts()), "GET", "/")
	if rec.Header().Get("X-Manifest-Digest") != "" {
		t.Fatal("header set without manifest info")
	}
}

func TestNewHandler_RateLimitSeesClientIP(t *testing.T) {
	var seen string
	opts := defaultOpts()
	opts.RateLimitMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.ClientIPFromContext(r.Context())
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	NewHandler(opts).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen != "203.0.113.7" {
		t.Fatalf("limiter saw %q", seen)
	}
}

func TestNewHandler_MetricsMW_Applied(t *testing.T) {
	called := false
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}
	doRequest(t, NewHandler(opts), "GET", "/")
	if !called {
		t.Fatal("metrics middleware not invoked")
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }
	opts.Routes = []func(chi.Router){func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}}
	rec := doRequest(t, NewHandler(opts), "GET", "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing on recovered panic")
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	opts := defaultOpts()
	body := strings.Repeat(`{"filename":"a.jar"},`, 200)
	opts.Routes = []func(chi.Router){func(r chi.Router) {
		r.Get("/manifest.json", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
		r.Get("/mods/a.jar", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/java-archive")
			_, _ = w.Write([]byte(body))
		})
	}}
	h := NewHandler(opts)

	req := httptest.NewRequest("GET", "/manifest.json", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatal("json not compressed")
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(zr)
	if string(got) != body {
		t.Fatal("decompressed body mismatch")
	}

	req = httptest.NewRequest("GET", "/mods/a.jar", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("jar downloads must not be recompressed")
	}
}

func TestShouldTrace(t *testing.T) {
	tests := map[string]bool{
		"/manifest.json": true,
		"/mods/a.jar":    true,
		"/api/upload":    true,
		"/-/healthy":     false,
		"/-/ready":       false,
		"/static/app.js": false,
		"/favicon.ico":   false,
		"/something.css": false,
	}
	for p, want := range tests {
		if got := shouldTrace(p); got != want {
			t.Errorf("shouldTrace(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer(":1234", http.NotFoundHandler())
	if srv.Addr != ":1234" {
		t.Fatalf("addr = %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatal("timeouts not applied")
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("max header bytes = %d", srv.MaxHeaderBytes)
	}
}

func TestStart_ServeAndShutdown(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("request id missing on live response")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	opts := defaultOpts()
	opts.Port = getFreePort(t)

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	_, err = Start(ctx, opts)
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}
