// Package metrics owns the prometheus registry for the server: HTTP request
// metrics plus the manifest, package and publish signals the rest of the
// service reports through small interfaces.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-mods/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	panicTotal  prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDenied *prometheus.CounterVec
	loginAttempts   *prometheus.CounterVec

	regenTotal       *prometheus.CounterVec
	regenDur         prometheus.Histogram
	manifestEntries  prometheus.Gauge
	manifestUpdated  prometheus.Gauge
	skippedPackages  prometheus.Counter
	uploadsTotal     *prometheus.CounterVec
	uploadBytesTotal prometheus.Counter
	deletesTotal     *prometheus.CounterVec

	publishTotal *prometheus.CounterVec
	publishDur   *prometheus.HistogramVec

	watchEvents   prometheus.Counter
	watchTriggers prometheus.Counter
}

// New returns a fresh registry with go/process collectors and every service
// metric registered. HTTP labels are limited to method, route and status.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 12),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		}, []string{"limiter"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_login_attempts_total",
			Help: "Admin login attempts by result",
		}, []string{"result"}),
		regenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifest_regenerations_total",
			Help: "Manifest regenerations by result (ok, partial, error)",
		}, []string{"result"}),
		regenDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "manifest_regeneration_duration_seconds",
			Help:    "Time to list, hash and persist the manifest",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		manifestEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifest_entries",
			Help: "Packages listed in the current manifest",
		}),
		manifestUpdated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful regeneration",
		}),
		skippedPackages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manifest_skipped_packages_total",
			Help: "Packages that vanished between listing and hashing",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "package_uploads_total",
			Help: "Uploaded files by result (saved, rejected, error)",
		}, []string{"result"}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "package_upload_bytes_total",
			Help: "Bytes written by successful uploads",
		}),
		deletesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "package_deletes_total",
			Help: "Package deletions by result (deleted, not_found, error)",
		}, []string{"result"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifest_publish_total",
			Help: "Mirror publishes by backend and result",
		}, []string{"backend", "result"}),
		publishDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "manifest_publish_duration_seconds",
			Help:    "Time to mirror the manifest and changed packages",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend"}),
		watchEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dirwatch_events_total",
			Help: "Filesystem events seen in the package directory",
		}),
		watchTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dirwatch_regenerations_triggered_total",
			Help: "Regenerations triggered by directory changes",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.panicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.loginAttempts,
		m.regenTotal,
		m.regenDur,
		m.manifestEntries,
		m.manifestUpdated,
		m.skippedPackages,
		m.uploadsTotal,
		m.uploadBytesTotal,
		m.deletesTotal,
		m.publishTotal,
		m.publishDur,
		m.watchEvents,
		m.watchTriggers,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

// SetBuildInfo is called once at startup.
func (m *ServerMetrics) SetBuildInfo(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic() { m.panicTotal.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(b2f(active)) }

func (m *ServerMetrics) IncRateLimitDenied(limiter string) {
	m.ratelimitDenied.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncLoginAttempt(result string) {
	m.loginAttempts.WithLabelValues(result).Inc()
}

// manifest.Metrics

func (m *ServerMetrics) ObserveRegeneration(result string, seconds float64) {
	m.regenTotal.WithLabelValues(result).Inc()
	m.regenDur.Observe(seconds)
	if result != "error" {
		m.manifestUpdated.Set(float64(time.Now().Unix()))
	}
}

func (m *ServerMetrics) SetManifestEntries(n int) { m.manifestEntries.Set(float64(n)) }

func (m *ServerMetrics) AddSkippedPackages(n int) { m.skippedPackages.Add(float64(n)) }

// admin API

func (m *ServerMetrics) IncUpload(result string) { m.uploadsTotal.WithLabelValues(result).Inc() }

func (m *ServerMetrics) AddUploadBytes(n int64) { m.uploadBytesTotal.Add(float64(n)) }

func (m *ServerMetrics) IncDelete(result string) { m.deletesTotal.WithLabelValues(result).Inc() }

// publish.Metrics

func (m *ServerMetrics) ObservePublish(backend, result string, seconds float64) {
	m.publishTotal.WithLabelValues(backend, result).Inc()
	m.publishDur.WithLabelValues(backend).Observe(seconds)
}

// dirwatch.Metrics

func (m *ServerMetrics) IncWatchEvent() { m.watchEvents.Inc() }

func (m *ServerMetrics) IncWatchTrigger() { m.watchTriggers.Inc() }

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
