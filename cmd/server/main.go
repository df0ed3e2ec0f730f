package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-mods/internal/adminhttp"
	"github.com/keithlinneman/linnemanlabs-mods/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-mods/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-mods/internal/dirwatch"
	"github.com/keithlinneman/linnemanlabs-mods/internal/health"
	"github.com/keithlinneman/linnemanlabs-mods/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-mods/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-mods/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-mods/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-mods/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
	"github.com/keithlinneman/linnemanlabs-mods/internal/prof"
	"github.com/keithlinneman/linnemanlabs-mods/internal/publish"
	"github.com/keithlinneman/linnemanlabs-mods/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-mods/internal/repohttp"
	v "github.com/keithlinneman/linnemanlabs-mods/internal/version"
	"github.com/keithlinneman/linnemanlabs-mods/internal/webassets"
)

const component = "server"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// cli > env (.env included) > config file > defaults
	if err := cfg.Load(flag.CommandLine, &conf, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		Format:            conf.LogFormat,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"ops_port", conf.OpsPort,
		"mods_dir", conf.ModsDir,
		"manifest_path", conf.ResolvedManifestPath(),
		"extension", conf.Extension,
		"watch_dir", conf.WatchDir,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"publish_backend", conf.PublishBackend,
		"publish_bucket", conf.PublishBucket,
		"manifest_signing", conf.ManifestSigningKeyARN != "",
	)

	m := metrics.New()
	m.SetBuildInfo(component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
		Commit:    vi.Commit,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS config is only loaded when a KMS key or the s3 backend needs it
	loadAWS := sync.OnceValues(func() (aws.Config, error) {
		return config.LoadDefaultConfig(ctx)
	})
	awsLoader := func(context.Context) (aws.Config, error) { return loadAWS() }

	repo, err := packages.New(conf.ModsDir, conf.Extension)
	if err != nil {
		L.Error(ctx, err, "failed to open package directory", "mods_dir", conf.ModsDir)
		os.Exit(1)
	}

	syncOpts := manifest.Options{
		Source:           repo,
		Store:            manifest.NewFileStore(conf.ResolvedManifestPath()),
		Logger:           L,
		Metrics:          m,
		Version:          conf.ManifestVersion,
		MinecraftVersion: conf.MinecraftVersion,
		URLPrefix:        conf.URLPrefix,
	}

	if conf.ManifestSigningKeyARN != "" {
		awsCfg, err := awsLoader(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config for manifest signing")
			os.Exit(1)
		}
		syncOpts.Signer = cryptoutil.NewKMSSigner(kms.NewFromConfig(awsCfg), conf.ManifestSigningKeyARN)
		syncOpts.SignatureStore = manifest.NewFileStore(conf.ResolvedManifestPath() + ".sig")
	}

	if conf.PublishBackend != "" {
		backend, pointer, err := publish.OpenBackend(ctx, publishSettings(conf), awsLoader)
		if err != nil {
			L.Error(ctx, err, "failed to open publish backend", "backend", conf.PublishBackend)
			os.Exit(1)
		}
		publisher, err := publish.New(publish.Options{
			Backend: backend,
			Files:   repo,
			Pointer: pointer,
			Prefix:  conf.PublishPrefix,
			Logger:  L,
			Metrics: m,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create publisher")
			os.Exit(1)
		}
		syncOpts.OnRegenerate = publisher.Notify
		go publisher.Run(ctx)
	}

	syncer, err := manifest.New(syncOpts)
	if err != nil {
		L.Error(ctx, err, "failed to create manifest synchronizer")
		os.Exit(1)
	}

	if conf.RegenerateOnStart {
		if mf, err := syncer.RegenerateFor(ctx, "startup"); err != nil {
			// readiness stays false until a later regeneration or lazy fetch succeeds
			L.Error(ctx, err, "startup manifest regeneration failed")
		} else {
			L.Info(ctx, "manifest regenerated at startup",
				"entries", len(mf.Mods),
				"skipped", len(mf.Skipped()),
				"digest", syncer.Digest(),
			)
		}
	}

	if conf.WatchDir {
		watcher, err := dirwatch.New(dirwatch.Options{
			Dir:    repo.Dir(),
			Accept: repo.Accepts,
			Trigger: func(ctx context.Context) error {
				_, err := syncer.RegenerateFor(ctx, "watch")
				return err
			},
			Debounce: conf.WatchDebounce,
			Logger:   L,
			Metrics:  m,
		})
		if err != nil {
			L.Error(ctx, err, "failed to watch package directory, out-of-band changes need a manual regenerate")
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					L.Error(ctx, err, "directory watcher stopped")
				}
			}()
		}
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.Manifest(syncer))

	onDenied := func(name, ip string) { m.IncRateLimitDenied(name) }
	onFirstDenied := func(name, ip string) {
		L.Warn(ctx, "rate limit triggered", "limiter", name, "ip", ip)
	}
	onCapacity := func(name string) {
		L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted", "limiter", name)
	}

	var siteLimitMW func(next http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		siteLimiter := ratelimit.New(ctx, "site",
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(onDenied),
			ratelimit.WithOnFirstDenied(onFirstDenied),
			ratelimit.WithOnCapacity(onCapacity),
		)
		siteLimitMW = siteLimiter.Middleware
	}
	loginLimiter := ratelimit.New(ctx, "login",
		ratelimit.WithPerMinute(conf.LoginPerMinute),
		ratelimit.WithRetryAfter(time.Minute),
		ratelimit.WithOnDenied(onDenied),
		ratelimit.WithOnFirstDenied(onFirstDenied),
		ratelimit.WithOnCapacity(onCapacity),
	)

	tmpl, err := webassets.Templates()
	if err != nil {
		L.Error(ctx, err, "failed to parse admin templates")
		os.Exit(1)
	}

	adminAPI, err := adminhttp.NewAPI(adminhttp.Options{
		Packages:       repo,
		Manifests:      syncer,
		Sessions:       adminhttp.NewSessionStore([]byte(conf.SessionSecret), conf.SessionMaxAge, conf.SecureCookies),
		Templates:      tmpl,
		Static:         webassets.StaticFS(),
		Password:       conf.AdminPassword,
		PasswordHash:   conf.AdminPasswordHash,
		LoginLimit:     loginLimiter.Middleware,
		MaxUploadBytes: int64(conf.MaxUploadMB) << 20,
		Version:        vi.Short(),
		Logger:         L,
		Metrics:        m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create admin api")
		os.Exit(1)
	}
	repoAPI := repohttp.NewAPI(syncer, repo, L)

	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Routes:       []func(chi.Router){repoAPI.RegisterRoutes, adminAPI.RegisterRoutes},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  siteLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Manifest:     syncer,
		HSTS:         conf.HSTS,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = httpStop(context.Background()) }()

	// ops listener serves metrics, health checks and pprof. It rejects public
	// clients and forwarded requests in middleware.
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.OpsPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := httpStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

const drainPeriod = 15 * time.Second

func publishSettings(c cfg.App) publish.Settings {
	return publish.Settings{
		Backend:  c.PublishBackend,
		Bucket:   c.PublishBucket,
		SSMParam: c.PublishSSMParam,
		Minio: publish.MinioOptions{
			Endpoint:  c.MinioEndpoint,
			AccessKey: c.MinioAccessKey,
			SecretKey: c.MinioSecretKey,
			UseSSL:    c.MinioUseSSL,
		},
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
