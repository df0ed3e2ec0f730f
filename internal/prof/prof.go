// Package prof runs the pyroscope continuous profiler.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	MutexProfileFraction int
	BlockProfileRate     int

	// OnActive reports whether the profiler is running, for a gauge.
	OnActive func(bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start returns a stop func that is always safe to call, even on error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := func(b bool) {
		if opts.OnActive != nil {
			opts.OnActive(b)
		}
	}
	noop := func() {}

	if !opts.Enabled {
		active(false)
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		active(false)
		return noop, xerrors.New("prof: server address is required")
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		active(false)
		return noop, xerrors.Wrapf(err, "prof: start pyroscope server=%s", opts.ServerAddress)
	}

	active(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = p.Stop()
			active(false)
			L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
		})
	}, nil
}
