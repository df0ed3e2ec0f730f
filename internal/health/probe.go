package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

// Probe returns nil when healthy and the reason otherwise.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails its probe once Set is called.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}

// ManifestSource is the part of manifest.Synchronizer readiness needs.
type ManifestSource interface {
	ReadyErr() error
	FetchRaw(ctx context.Context) ([]byte, error)
}

// Manifest passes once a manifest is known. While none is, each check
// fetches once, which reads the persisted document or lazily builds it.
func Manifest(src ManifestSource) CheckFunc {
	return func(ctx context.Context) error {
		if src.ReadyErr() == nil {
			return nil
		}
		if _, err := src.FetchRaw(ctx); err != nil {
			return xerrors.Wrap(err, "manifest not ready")
		}
		return src.ReadyErr()
	}
}
