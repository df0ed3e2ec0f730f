package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-mods/internal/version"
)

func TestNew_RegistryPopulated(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"profiling_active",
		"manifest_entries",
		"manifest_skipped_packages_total",
		"manifest_regeneration_duration_seconds",
		"dirwatch_events_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.IncHttpPanic()
	m1.IncHttpPanic()

	if got := counterValue(t, m1.reg, "http_panic_total"); got != 2 {
		t.Fatalf("m1 panic count = %v, want 2", got)
	}
	if got := counterValue(t, m2.reg, "http_panic_total"); got != 0 {
		t.Fatalf("m2 panic count = %v, want 0", got)
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New()

	dirty := true
	m.SetBuildInfo("server", version.Info{
		AppName:   "linnemanlabs-mods",
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildId:   "build-42",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info not found")
	}
	labels := labelMap(f.GetMetric()[0])
	want := map[string]string{
		"app":        "linnemanlabs-mods",
		"component":  "server",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %q = %q, want %q", k, labels[k], v)
		}
	}
}

func TestSetBuildInfo_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfo("server", version.Info{Version: "dev"})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info not found")
	}
	if got := labelMap(f.GetMetric()[0])["vcs_dirty"]; got != "unknown" {
		t.Fatalf("vcs_dirty = %q, want unknown", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := gaugeValue(t, m.reg, "profiling_active"); got != 1 {
		t.Fatalf("profiling_active = %v, want 1", got)
	}
	m.SetProfilingActive(false)
	if got := gaugeValue(t, m.reg, "profiling_active"); got != 0 {
		t.Fatalf("profiling_active = %v, want 0", got)
	}
}

func TestIncRateLimitDenied_ByLimiter(t *testing.T) {
	m := New()
	m.IncRateLimitDenied("login")
	m.IncRateLimitDenied("login")
	m.IncRateLimitDenied("site")

	got := labeledCounters(t, m.reg, "http_requests_rate_limited_total", "limiter")
	if got["login"] != 2 || got["site"] != 1 {
		t.Fatalf("rate limited = %v", got)
	}
}

func TestObserveRegeneration(t *testing.T) {
	m := New()

	m.ObserveRegeneration("ok", 0.2)
	m.ObserveRegeneration("partial", 0.1)
	m.ObserveRegeneration("error", 0.05)

	got := labeledCounters(t, m.reg, "manifest_regenerations_total", "result")
	if got["ok"] != 1 || got["partial"] != 1 || got["error"] != 1 {
		t.Fatalf("regenerations = %v", got)
	}
	if n := histogramCount(t, m.reg, "manifest_regeneration_duration_seconds"); n != 3 {
		t.Fatalf("duration samples = %d, want 3", n)
	}
	if ts := gaugeValue(t, m.reg, "manifest_last_success_timestamp_seconds"); ts <= 0 {
		t.Fatalf("last success = %v, want > 0", ts)
	}
}

func TestObserveRegeneration_ErrorLeavesLastSuccess(t *testing.T) {
	m := New()
	m.ObserveRegeneration("error", 0.01)
	if ts := gaugeValue(t, m.reg, "manifest_last_success_timestamp_seconds"); ts != 0 {
		t.Fatalf("last success = %v, want 0 after failure only", ts)
	}
}

func TestManifestGauges(t *testing.T) {
	m := New()
	m.SetManifestEntries(7)
	m.AddSkippedPackages(2)
	m.AddSkippedPackages(1)

	if got := gaugeValue(t, m.reg, "manifest_entries"); got != 7 {
		t.Fatalf("entries = %v, want 7", got)
	}
	if got := counterValue(t, m.reg, "manifest_skipped_packages_total"); got != 3 {
		t.Fatalf("skipped = %v, want 3", got)
	}
}

func TestPackageCounters(t *testing.T) {
	m := New()
	m.IncUpload("saved")
	m.IncUpload("rejected")
	m.AddUploadBytes(1024)
	m.IncDelete("not_found")
	m.IncLoginAttempt("failure")

	if got := labeledCounters(t, m.reg, "package_uploads_total", "result"); got["saved"] != 1 || got["rejected"] != 1 {
		t.Fatalf("uploads = %v", got)
	}
	if got := counterValue(t, m.reg, "package_upload_bytes_total"); got != 1024 {
		t.Fatalf("upload bytes = %v", got)
	}
	if got := labeledCounters(t, m.reg, "package_deletes_total", "result"); got["not_found"] != 1 {
		t.Fatalf("deletes = %v", got)
	}
	if got := labeledCounters(t, m.reg, "admin_login_attempts_total", "result"); got["failure"] != 1 {
		t.Fatalf("logins = %v", got)
	}
}

func TestObservePublish(t *testing.T) {
	m := New()
	m.ObservePublish("s3", "ok", 1.5)
	m.ObservePublish("s3", "error", 0.5)

	if got := labeledCounters(t, m.reg, "manifest_publish_total", "result"); got["ok"] != 1 || got["error"] != 1 {
		t.Fatalf("publish = %v", got)
	}
	if n := histogramCount(t, m.reg, "manifest_publish_duration_seconds"); n != 2 {
		t.Fatalf("publish duration samples = %d, want 2", n)
	}
}

func TestWatchCounters(t *testing.T) {
	m := New()
	m.IncWatchEvent()
	m.IncWatchEvent()
	m.IncWatchTrigger()

	if got := counterValue(t, m.reg, "dirwatch_events_total"); got != 2 {
		t.Fatalf("events = %v", got)
	}
	if got := counterValue(t, m.reg, "dirwatch_regenerations_triggered_total"); got != 1 {
		t.Fatalf("triggers = %v", got)
	}
}

// Middleware

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/mods/{filename}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("jar bytes"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/mods/a.jar", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/mods/b.jar", nil))

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatalf("want a single series for the route pattern, got %v", f)
	}
	labels := labelMap(f.GetMetric()[0])
	if labels["route"] != "/mods/{filename}" || labels["status"] != "200" || labels["method"] != "GET" {
		t.Fatalf("labels = %v", labels)
	}
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/manifest.json", func(http.ResponseWriter, *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope/123", nil))

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		t.Fatal("http_requests_total missing")
	}
	labels := labelMap(f.GetMetric()[0])
	if labels["route"] != "unmatched" || labels["status"] != "404" {
		t.Fatalf("labels = %v", labels)
	}
}

func TestMiddleware_5xxIncrementsErrorCounter(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := counterValue(t, m.reg, "http_errors_total"); got != 1 {
		t.Fatalf("http_errors_total = %v, want 1", got)
	}
}

func TestMiddleware_4xxDoesNotIncrementErrorCounter(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if f := gatherMetric(t, m.reg, "http_errors_total"); f != nil {
		t.Fatal("http_errors_total should be absent after a 404")
	}
}

func TestMiddleware_ResponseBytes(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 300))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if f == nil {
		t.Fatal("http_response_size_bytes missing")
	}
	if got := f.GetMetric()[0].GetHistogram().GetSampleSum(); got != 300 {
		t.Fatalf("response bytes = %v, want 300", got)
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		during = gaugeValue(t, m.reg, "http_inflight_requests")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	if got := gaugeValue(t, m.reg, "http_inflight_requests"); got != 0 {
		t.Fatalf("inflight after = %v, want 0", got)
	}
}

// helpers

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	var n uint64
	for _, s := range f.GetMetric() {
		n += s.GetHistogram().GetSampleCount()
	}
	return n
}

func labeledCounters(t *testing.T, reg *prometheus.Registry, name, label string) map[string]float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	out := make(map[string]float64)
	for _, s := range f.GetMetric() {
		out[labelMap(s)[label]] += s.GetCounter().GetValue()
	}
	return out
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
