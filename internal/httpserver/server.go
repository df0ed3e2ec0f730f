package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-mods/internal/health"
	"github.com/keithlinneman/linnemanlabs-mods/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

const DefaultPort = 5000

// NewHandler builds the public + admin handler. main() owns *http.Server so
// it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	opts.setDefaults()

	r := chi.NewRouter()

	// jars are already compressed; only text types are listed
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/plain",
		"application/javascript",
		"text/javascript",
		"application/json",
	))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	for _, mount := range opts.Routes {
		if mount != nil {
			mount(r)
		}
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Middleware, innermost first.
	var h http.Handler = r

	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	if opts.Manifest != nil {
		h = httpmw.ManifestHeaders(opts.Manifest)(h)
	}

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// after client ip so limits key on the resolved address
	if opts.RateLimitMW != nil {
		h = opts.RateLimitMW(h)
	}

	h = httpmw.ClientIP(opts.ClientIPOpts)(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	h = httpmw.SecurityHeaders(opts.HSTS)(h)

	return h
}

// shouldTrace skips health checks and static assets.
func shouldTrace(p string) bool {
	if p == "/-/healthy" || p == "/-/ready" || p == "/favicon.ico" {
		return false
	}
	if strings.HasPrefix(p, "/static/") {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".svg", ".ico", ".map":
		return false
	}
	return true
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

// Server timeouts. Read and write allow large package transfers; headers
// must still arrive promptly.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Minute
	DefaultWriteTimeout      = 10 * time.Minute
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	handler := NewHandler(opts)
	addr := fmt.Sprintf(":%d", opts.Port)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
