package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-mods/internal/health"
	"github.com/keithlinneman/linnemanlabs-mods/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	Health    health.Probe
	Readiness health.Probe

	// Routes mount the repository and admin surfaces on the shared router.
	Routes []func(chi.Router)

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// Manifest adds X-Manifest-Digest and X-Manifest-Updated to responses.
	Manifest httpmw.ManifestInfo
	HSTS     bool
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
}
