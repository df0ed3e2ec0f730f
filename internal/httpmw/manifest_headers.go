package httpmw

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ManifestInfo exposes the last regeneration for response headers.
type ManifestInfo interface {
	Digest() string
	GeneratedAt() time.Time
}

// ManifestHeaders sets X-Manifest-Digest (first 12 hex chars) and
// X-Manifest-Updated on every response once a manifest is known, and tags
// the request span with the full digest.
func ManifestHeaders(info ManifestInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d := info.Digest(); d != "" {
				short := d
				if len(short) > 12 {
					short = short[:12]
				}
				w.Header().Set("X-Manifest-Digest", short)
				if at := info.GeneratedAt(); !at.IsZero() {
					w.Header().Set("X-Manifest-Updated", at.UTC().Format(time.RFC3339))
				}
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attribute.String("manifest.digest", d))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
