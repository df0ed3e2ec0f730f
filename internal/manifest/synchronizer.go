package manifest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-mods/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

var tracer = otel.Tracer("github.com/keithlinneman/linnemanlabs-mods/internal/manifest")

// Source is the directory listing primitive. *packages.Repository implements it.
type Source interface {
	List(ctx context.Context) ([]packages.File, error)
	Open(name string) (io.ReadCloser, error)
}

// Signer produces a detached signature over the manifest bytes.
type Signer interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveRegeneration(result string, seconds float64)
	SetManifestEntries(n int)
	AddSkippedPackages(n int)
}

// Result is handed to the OnRegenerate hook after a manifest is persisted.
type Result struct {
	Manifest  *Manifest
	Raw       []byte
	Digest    string
	Signature []byte
}

type Options struct {
	Source Source
	Store  Store

	// Signer and SignatureStore enable a detached signature written on every
	// regeneration. Both or neither.
	Signer         Signer
	SignatureStore Store

	Logger  log.Logger
	Metrics Metrics

	Version          string
	MinecraftVersion string
	URLPrefix        string

	// OnRegenerate runs synchronously after a successful persist. Panics are
	// recovered and logged.
	OnRegenerate func(ctx context.Context, r Result)

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.MinecraftVersion == "" {
		o.MinecraftVersion = DefaultMinecraftVersion
	}
	if o.URLPrefix == "" {
		o.URLPrefix = DefaultURLPrefix
	}
	if !strings.HasSuffix(o.URLPrefix, "/") {
		o.URLPrefix += "/"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if o.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if (o.Signer == nil) != (o.SignatureStore == nil) {
		errs = append(errs, errors.New("signer and signature store must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return xerrors.Wrap(err, "manifest options")
	}
	return nil
}

// Synchronizer owns the manifest document for one tracked directory.
type Synchronizer struct {
	opts Options

	// mu serialises writers. Fetch's fast path never takes it.
	mu     sync.Mutex
	status tracker
}

func New(opts Options) (*Synchronizer, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Synchronizer{opts: opts}, nil
}

// Signed reports whether regenerations also write a signature.
func (s *Synchronizer) Signed() bool { return s.opts.Signer != nil }

// Regenerate rebuilds the manifest from the current directory contents and
// atomically replaces the persisted document.
func (s *Synchronizer) Regenerate(ctx context.Context) (*Manifest, error) {
	return s.RegenerateFor(ctx, "explicit")
}

// RegenerateFor is Regenerate with the triggering event recorded in logs,
// traces and metrics (upload, delete, startup, watch, ...).
func (s *Synchronizer) RegenerateFor(ctx context.Context, reason string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regenerateLocked(ctx, reason)
}

func (s *Synchronizer) regenerateLocked(ctx context.Context, reason string) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "manifest.regenerate")
	defer span.End()
	span.SetAttributes(attribute.String("manifest.reason", reason))

	start := s.opts.Now()
	m, res, err := s.build(ctx)
	if err == nil {
		err = s.opts.Store.Replace(ctx, res.Raw)
	}
	elapsed := s.opts.Now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "regenerate failed")
		s.status.failed(start, err)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveRegeneration("error", elapsed.Seconds())
		}
		s.opts.Logger.Error(ctx, err, "manifest regeneration failed", "reason", reason)
		return nil, err
	}

	// the document is committed; everything below describes what is served
	sigErr := s.writeSignature(ctx, res)

	span.SetAttributes(
		attribute.Int("manifest.entries", len(m.Mods)),
		attribute.Int("manifest.skipped", len(m.skipped)),
	)
	s.status.succeeded(Status{
		Digest:      res.Digest,
		GeneratedAt: m.LastUpdated,
		Entries:     len(m.Mods),
		TotalSize:   m.TotalSize(),
		Skipped:     m.skipped,
		Duration:    elapsed,
		LastAttempt: start,
		LastErr:     sigErr,
	})
	if s.opts.Metrics != nil {
		result := "ok"
		if len(m.skipped) > 0 {
			result = "partial"
			s.opts.Metrics.AddSkippedPackages(len(m.skipped))
		}
		if sigErr != nil {
			result = "signature_error"
		}
		s.opts.Metrics.ObserveRegeneration(result, elapsed.Seconds())
		s.opts.Metrics.SetManifestEntries(len(m.Mods))
	}
	s.opts.Logger.Info(ctx, "manifest regenerated",
		"reason", reason,
		"entries", len(m.Mods),
		"digest", res.Digest,
		"duration_ms", elapsed.Milliseconds(),
	)
	s.notify(ctx, res)

	if sigErr != nil {
		span.RecordError(sigErr)
		span.SetStatus(codes.Error, "signature write failed")
		s.opts.Logger.Error(ctx, sigErr, "manifest committed but signature write failed",
			"reason", reason,
			"digest", res.Digest,
		)
		return m, sigErr
	}
	return m, nil
}

// build lists and hashes every accepted package into a fresh document.
func (s *Synchronizer) build(ctx context.Context) (*Manifest, Result, error) {
	files, err := s.opts.Source.List(ctx)
	if err != nil {
		return nil, Result{}, &IOError{Op: "list", Err: err}
	}

	m := &Manifest{
		Version:          s.opts.Version,
		MinecraftVersion: s.opts.MinecraftVersion,
		Mods:             make([]Entry, 0, len(files)),
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, Result{}, err
		}
		sum, n, err := s.hash(f.Name)
		if errors.Is(err, fs.ErrNotExist) {
			s.opts.Logger.Warn(ctx, "package vanished during manifest scan, skipping", "filename", f.Name)
			m.skipped = append(m.skipped, f.Name)
			continue
		}
		if err != nil {
			return nil, Result{}, &IOError{Op: "hash", Path: f.Name, Err: err}
		}
		m.Mods = append(m.Mods, Entry{
			Filename: f.Name,
			Size:     n,
			SHA256:   sum,
			URL:      s.opts.URLPrefix + url.PathEscape(f.Name),
		})
	}
	slices.SortFunc(m.Mods, func(a, b Entry) int { return strings.Compare(a.Filename, b.Filename) })
	m.LastUpdated = s.opts.Now().UTC()

	raw, err := m.Marshal()
	if err != nil {
		return nil, Result{}, err
	}
	res := Result{Manifest: m, Raw: raw, Digest: cryptoutil.SHA256Hex(raw)}

	if s.opts.Signer != nil {
		sig, err := s.opts.Signer.Sign(ctx, raw)
		if err != nil {
			return nil, Result{}, xerrors.Wrap(err, "sign manifest")
		}
		res.Signature = sig
	}
	return m, res, nil
}

func (s *Synchronizer) hash(name string) (string, int64, error) {
	rc, err := s.opts.Source.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	return cryptoutil.SHA256Reader(rc)
}

// writeSignature runs after the document is committed. Signing already
// happened in build, so a signer outage never touches storage. A failure here
// leaves the previous signature beside the new document and is reported as a
// *SignatureError.
func (s *Synchronizer) writeSignature(ctx context.Context, res Result) error {
	if s.opts.SignatureStore == nil {
		return nil
	}
	enc := base64.StdEncoding.EncodeToString(res.Signature) + "\n"
	if err := s.opts.SignatureStore.Replace(ctx, []byte(enc)); err != nil {
		return &SignatureError{Digest: res.Digest, Err: err}
	}
	return nil
}

func (s *Synchronizer) notify(ctx context.Context, res Result) {
	if s.opts.OnRegenerate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error(ctx, fmt.Errorf("OnRegenerate panic: %v", r),
				"manifest: OnRegenerate hook panicked, continuing",
				"digest", res.Digest,
			)
		}
	}()
	s.opts.OnRegenerate(ctx, res)
}

// FetchRaw returns the persisted document bytes, generating the manifest
// once if none exists yet.
func (s *Synchronizer) FetchRaw(ctx context.Context) ([]byte, error) {
	raw, err := s.opts.Store.Read(ctx)
	if err == nil {
		s.observe(raw)
		return raw, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.generateIfAbsent(ctx)
}

// Fetch is FetchRaw decoded.
func (s *Synchronizer) Fetch(ctx context.Context) (*Manifest, error) {
	raw, err := s.FetchRaw(ctx)
	if err != nil {
		return nil, err
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, &IOError{Op: "decode", Err: err}
	}
	return m, nil
}

// FetchSignature returns the persisted base64 signature, or ErrNotFound when
// signing is disabled or nothing was signed yet.
func (s *Synchronizer) FetchSignature(ctx context.Context) ([]byte, error) {
	if s.opts.SignatureStore == nil {
		return nil, ErrNotFound
	}
	return s.opts.SignatureStore.Read(ctx)
}

// generateIfAbsent re-checks under the write lock so concurrent first reads
// regenerate only once.
func (s *Synchronizer) generateIfAbsent(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.opts.Store.Read(ctx)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var sigErr *SignatureError
	if _, err := s.regenerateLocked(ctx, "lazy"); err != nil && !errors.As(err, &sigErr) {
		return nil, fmt.Errorf("%w: lazy regeneration failed: %w", ErrNotFound, err)
	}
	raw, err = s.opts.Store.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, xerrors.Wrap(ErrNotFound, "manifest missing after regeneration")
	}
	return raw, err
}

func (s *Synchronizer) observe(raw []byte) {
	d := cryptoutil.SHA256Hex(raw)
	if s.status.get().Digest == d {
		return
	}
	m, err := Parse(raw)
	if err != nil {
		return
	}
	s.status.observed(m, d)
}
