package adminhttp

import (
	"context"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

// Packages is implemented by *packages.Repository.
type Packages interface {
	Extension() string
	Accepts(name string) bool
	List(ctx context.Context) ([]packages.File, error)
	Open(name string) (io.ReadCloser, error)
	Save(ctx context.Context, name string, src io.Reader) (packages.File, error)
	Remove(name string) error
	Stats(ctx context.Context) (packages.Stats, error)
}

// Manifests is implemented by *manifest.Synchronizer.
type Manifests interface {
	RegenerateFor(ctx context.Context, reason string) (*manifest.Manifest, error)
	Status() manifest.Status
}

type Metrics interface {
	IncLoginAttempt(result string)
	IncUpload(result string)
	AddUploadBytes(n int64)
	IncDelete(result string)
}

type Options struct {
	Packages  Packages
	Manifests Manifests
	Sessions  sessions.Store
	Templates *template.Template
	Static    fs.FS

	// PasswordHash is a bcrypt hash and wins over Password when set.
	Password     string
	PasswordHash string

	// LoginLimit wraps POST /login, typically a per-IP ratelimit middleware.
	LoginLimit func(http.Handler) http.Handler

	MaxUploadBytes int64
	Version        string

	Logger  log.Logger
	Metrics Metrics
}

const DefaultMaxUploadBytes = 512 << 20

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Packages == nil {
		errs = append(errs, errors.New("packages is required"))
	}
	if o.Manifests == nil {
		errs = append(errs, errors.New("manifests is required"))
	}
	if o.Sessions == nil {
		errs = append(errs, errors.New("sessions is required"))
	}
	if o.Templates == nil {
		errs = append(errs, errors.New("templates is required"))
	} else {
		for _, name := range []string{loginTemplate, indexTemplate} {
			if o.Templates.Lookup(name) == nil {
				errs = append(errs, errors.New("missing template "+name))
			}
		}
	}
	if o.Password == "" && o.PasswordHash == "" {
		errs = append(errs, errors.New("password or password hash is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return xerrors.Wrap(err, "adminhttp options")
	}
	return nil
}
