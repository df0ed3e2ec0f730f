package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-mods/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic is called for every recovered handler panic.
	OnPanic func()
}
