package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var noop = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(false)(noop).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"Content-Security-Policy", "X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
		if w.Header().Get(h) == "" {
			t.Errorf("%s missing", h)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS should be off")
	}

	w = httptest.NewRecorder()
	SecurityHeaders(true)(noop).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("HSTS should be on")
	}
}

type fakeManifestInfo struct {
	digest string
	at     time.Time
}

func (f fakeManifestInfo) Digest() string         { return f.digest }
func (f fakeManifestInfo) GeneratedAt() time.Time { return f.at }

func TestManifestHeaders(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	info := fakeManifestInfo{digest: "0123456789abcdef0123", at: at}

	w := httptest.NewRecorder()
	ManifestHeaders(info)(noop).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := w.Header().Get("X-Manifest-Digest"); got != "0123456789ab" {
		t.Fatalf("digest header = %q", got)
	}
	if got := w.Header().Get("X-Manifest-Updated"); got != "2026-03-01T11:00:00Z" {
		t.Fatalf("updated header = %q", got)
	}
}

func TestManifestHeaders_NoManifestYet(t *testing.T) {
	w := httptest.NewRecorder()
	ManifestHeaders(fakeManifestInfo{})(noop).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Manifest-Digest") != "" || w.Header().Get("X-Manifest-Updated") != "" {
		t.Fatal("headers should be absent before the first regeneration")
	}
}

func TestManifestHeaders_NilInfo(t *testing.T) {
	w := httptest.NewRecorder()
	ManifestHeaders(nil)(noop).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTraceResponseHeaders(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(tracetest.NewInMemoryExporter())))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "req")
	defer span.End()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	TraceResponseHeaders("", "")(noop).ServeHTTP(w, r)

	sc := trace.SpanContextFromContext(ctx)
	if w.Header().Get("X-Trace-Id") != sc.TraceID().String() {
		t.Fatalf("trace header = %q", w.Header().Get("X-Trace-Id"))
	}
	if w.Header().Get("X-Span-Id") != sc.SpanID().String() {
		t.Fatalf("span header = %q", w.Header().Get("X-Span-Id"))
	}
}

func TestTraceResponseHeaders_NoSpan(t *testing.T) {
	w := httptest.NewRecorder()
	TraceResponseHeaders("", "")(noop).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Trace-Id") != "" {
		t.Fatal("no trace header without a span")
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "h") }),
		mw("a"), nil, mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := len(order); got != 3 || order[0] != "a" || order[1] != "b" || order[2] != "h" {
		t.Fatalf("order = %v", order)
	}
}
