// Command manifestgen rebuilds manifest.json for a package directory once and
// exits, for cron jobs and CI pipelines that sync packages without the server.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/keithlinneman/linnemanlabs-mods/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-mods/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-mods/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
	"github.com/keithlinneman/linnemanlabs-mods/internal/publish"
	v "github.com/keithlinneman/linnemanlabs-mods/internal/version"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

const component = "manifestgen"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion, printManifest, verifyOnly bool
	var timeout time.Duration

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.BoolVar(&printManifest, "print", false, "write the regenerated manifest to stdout")
	flag.BoolVar(&verifyOnly, "verify", false, "verify the persisted manifest signature against manifest-signing-key-arn and exit")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "overall deadline for regeneration and publishing")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.AppName, vi.Short())
		return 0
	}

	if err := cfg.Load(flag.CommandLine, &conf, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	if err := cfg.ValidateGenerator(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		Format:            conf.LogFormat,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
		// stdout carries the manifest with -print
		Writer: os.Stderr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

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

	if verifyOnly {
		if err := verify(ctx, conf); err != nil {
			L.Error(ctx, err, "manifest signature verification failed")
			return 1
		}
		L.Info(ctx, "manifest signature verified", "path", conf.ResolvedManifestPath())
		return 0
	}

	if err := generate(ctx, L, conf, printManifest); err != nil {
		L.Error(ctx, err, "manifest generation failed")
		return 1
	}
	return 0
}

// verify checks manifest.json.sig against the document on disk using the
// KMS public key.
func verify(ctx context.Context, conf cfg.App) error {
	if conf.ManifestSigningKeyARN == "" {
		return xerrors.New("-verify needs manifest-signing-key-arn")
	}
	path := conf.ResolvedManifestPath()
	raw, err := manifest.NewFileStore(path).Read(ctx)
	if err != nil {
		return err
	}
	enc, err := manifest.NewFileStore(path + ".sig").Read(ctx)
	if err != nil {
		return xerrors.Wrap(err, "read manifest signature")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(enc)))
	if err != nil {
		return xerrors.Wrap(err, "decode manifest signature")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return xerrors.Wrap(err, "load aws config")
	}
	verifier := cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.ManifestSigningKeyARN)
	return verifier.VerifySignature(ctx, raw, sig)
}

func generate(ctx context.Context, L log.Logger, conf cfg.App, printManifest bool) error {
	var awsCfg *aws.Config
	loadAWS := func(ctx context.Context) (aws.Config, error) {
		if awsCfg == nil {
			c, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	repo, err := packages.New(conf.ModsDir, conf.Extension)
	if err != nil {
		return err
	}

	opts := manifest.Options{
		Source:           repo,
		Store:            manifest.NewFileStore(conf.ResolvedManifestPath()),
		Logger:           L,
		Version:          conf.ManifestVersion,
		MinecraftVersion: conf.MinecraftVersion,
		URLPrefix:        conf.URLPrefix,
	}
	if conf.ManifestSigningKeyARN != "" {
		c, err := loadAWS(ctx)
		if err != nil {
			return xerrors.Wrap(err, "load aws config for manifest signing")
		}
		opts.Signer = cryptoutil.NewKMSSigner(kms.NewFromConfig(c), conf.ManifestSigningKeyARN)
		opts.SignatureStore = manifest.NewFileStore(conf.ResolvedManifestPath() + ".sig")
	}

	var result *manifest.Result
	opts.OnRegenerate = func(_ context.Context, r manifest.Result) { result = &r }

	syncer, err := manifest.New(opts)
	if err != nil {
		return err
	}
	mf, err := syncer.RegenerateFor(ctx, "manifestgen")
	if err != nil {
		return err
	}
	L.Info(ctx, "manifest regenerated",
		"path", conf.ResolvedManifestPath(),
		"entries", len(mf.Mods),
		"skipped", len(mf.Skipped()),
		"digest", syncer.Digest(),
	)

	if conf.PublishBackend != "" && result != nil {
		backend, pointer, err := publish.OpenBackend(ctx, publish.Settings{
			Backend:  conf.PublishBackend,
			Bucket:   conf.PublishBucket,
			SSMParam: conf.PublishSSMParam,
			Minio: publish.MinioOptions{
				Endpoint:  conf.MinioEndpoint,
				AccessKey: conf.MinioAccessKey,
				SecretKey: conf.MinioSecretKey,
				UseSSL:    conf.MinioUseSSL,
			},
		}, loadAWS)
		if err != nil {
			return err
		}
		publisher, err := publish.New(publish.Options{
			Backend: backend,
			Files:   repo,
			Pointer: pointer,
			Prefix:  conf.PublishPrefix,
			Logger:  L,
		})
		if err != nil {
			return err
		}
		if err := publisher.Publish(ctx, *result); err != nil {
			return err
		}
	}

	if printManifest {
		raw, err := syncer.FetchRaw(ctx)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(raw); err != nil {
			return xerrors.Wrap(err, "write manifest to stdout")
		}
	}
	return nil
}
