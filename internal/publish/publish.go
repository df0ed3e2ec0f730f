package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

var tracer = otel.Tracer("github.com/keithlinneman/linnemanlabs-mods/internal/publish")

// ErrObjectNotFound is returned by Backend.Head for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// Backend is an object store the mirror writes to.
type Backend interface {
	Name() string
	// Put uploads size bytes from body. sha256 is stored as user metadata
	// when non-empty.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType, sha256 string) error
	// Head returns the sha256 metadata of key, or ErrObjectNotFound.
	Head(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pointer records the digest of the latest mirrored manifest.
type Pointer interface {
	SetDigest(ctx context.Context, digest string) error
}

// Files opens packages for upload. *packages.Repository implements it.
type Files interface {
	OpenFile(name string) (*os.File, fs.FileInfo, error)
}

type Metrics interface {
	ObservePublish(backend, result string, seconds float64)
}

type Options struct {
	Backend Backend
	Files   Files
	Pointer Pointer
	Prefix  string
	Logger  log.Logger
	Metrics Metrics
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	o.Prefix = strings.Trim(o.Prefix, "/")
	if o.Prefix != "" {
		o.Prefix += "/"
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Backend == nil {
		errs = append(errs, errors.New("backend is required"))
	}
	if o.Files == nil {
		errs = append(errs, errors.New("files is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return xerrors.Wrap(err, "publish options")
	}
	return nil
}

// Publisher mirrors manifests. Notify is safe to use as the synchronizer's
// OnRegenerate hook: it never blocks, and only the newest pending result is
// kept while a publish is running.
type Publisher struct {
	opts    Options
	pending chan manifest.Result

	mu sync.Mutex
	// remote maps object keys under mods/ to the sha256 last seen there.
	// nil until the first publish lists the bucket.
	remote map[string]string
}

func New(opts Options) (*Publisher, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Publisher{opts: opts, pending: make(chan manifest.Result, 1)}, nil
}

func (p *Publisher) Notify(_ context.Context, res manifest.Result) {
	for {
		select {
		case p.pending <- res:
			return
		default:
		}
		// drop the stale result and retry
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run publishes notified results until ctx is done. Failures are logged and
// retried on the next notification.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-p.pending:
			if err := p.Publish(ctx, res); err != nil && ctx.Err() == nil {
				p.opts.Logger.Error(ctx, err, "manifest publish failed",
					"backend", p.opts.Backend.Name(),
					"digest", res.Digest,
				)
			}
		}
	}
}

func (p *Publisher) manifestKey() string  { return p.opts.Prefix + "manifest.json" }
func (p *Publisher) signatureKey() string { return p.opts.Prefix + "manifest.json.sig" }
func (p *Publisher) modsPrefix() string   { return p.opts.Prefix + "mods/" }

// Publish mirrors one regeneration result synchronously.
func (p *Publisher) Publish(ctx context.Context, res manifest.Result) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	backend := p.opts.Backend.Name()
	ctx, span := tracer.Start(ctx, "manifest.publish")
	span.SetAttributes(
		attribute.String("publish.backend", backend),
		attribute.String("manifest.digest", res.Digest),
	)
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.ObservePublish(backend, result, time.Since(start).Seconds())
		}
		span.End()
	}()

	if res.Manifest == nil {
		return xerrors.New("publish: result has no manifest")
	}

	if p.remote == nil {
		keys, err := p.opts.Backend.List(ctx, p.modsPrefix())
		if err != nil {
			return xerrors.Wrap(err, "publish: list mirrored packages")
		}
		p.remote = make(map[string]string, len(keys))
		for _, k := range keys {
			p.remote[k] = ""
		}
	}

	want := make(map[string]struct{}, len(res.Manifest.Mods))
	uploaded := 0
	for _, e := range res.Manifest.Mods {
		key := p.modsPrefix() + e.Filename
		want[key] = struct{}{}

		sum, known := p.remote[key]
		if known && sum == "" {
			got, herr := p.opts.Backend.Head(ctx, key)
			switch {
			case errors.Is(herr, ErrObjectNotFound):
				known = false
			case herr != nil:
				return xerrors.Wrapf(herr, "publish: head %s", key)
			default:
				sum = got
				p.remote[key] = got
			}
		}
		if known && strings.EqualFold(sum, e.SHA256) {
			continue
		}
		if err := p.putPackage(ctx, key, e); err != nil {
			return err
		}
		p.remote[key] = e.SHA256
		uploaded++
	}

	if err := p.opts.Backend.Put(ctx, p.manifestKey(), bytes.NewReader(res.Raw),
		int64(len(res.Raw)), "application/json", res.Digest); err != nil {
		return xerrors.Wrap(err, "publish: put manifest")
	}
	if res.Signature != nil {
		sig := encodeSignature(res.Signature)
		if err := p.opts.Backend.Put(ctx, p.signatureKey(), strings.NewReader(sig),
			int64(len(sig)), "text/plain; charset=utf-8", ""); err != nil {
			return xerrors.Wrap(err, "publish: put signature")
		}
	}
	if p.opts.Pointer != nil {
		if err := p.opts.Pointer.SetDigest(ctx, res.Digest); err != nil {
			return xerrors.Wrap(err, "publish: set digest pointer")
		}
	}

	removed := 0
	for key := range p.remote {
		if _, ok := want[key]; ok {
			continue
		}
		if err := p.opts.Backend.Delete(ctx, key); err != nil {
			return xerrors.Wrapf(err, "publish: delete %s", key)
		}
		delete(p.remote, key)
		removed++
	}

	p.opts.Logger.Info(ctx, "manifest published",
		"backend", backend,
		"digest", res.Digest,
		"uploaded", uploaded,
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (p *Publisher) putPackage(ctx context.Context, key string, e manifest.Entry) error {
	f, info, err := p.opts.Files.OpenFile(e.Filename)
	if err != nil {
		return xerrors.Wrapf(err, "publish: open %s", e.Filename)
	}
	defer f.Close()
	if err := p.opts.Backend.Put(ctx, key, f, info.Size(), contentType(e.Filename), e.SHA256); err != nil {
		return xerrors.Wrapf(err, "publish: put %s", key)
	}
	return nil
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == ".jar" {
		return "application/java-archive"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig) + "\n"
}
