// Package packages manages the tracked directory of distributable package
// files: the listing the manifest is built from, plus upload, delete and
// download access for the HTTP surfaces.
package packages

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-mods/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

var (
	ErrNotFound    = errors.New("package not found")
	ErrInvalidName = errors.New("invalid package name")
	ErrNotAccepted = errors.New("package type not accepted")
)

const tempPrefix = ".upload-"

// File is one accepted package as seen at listing time.
type File struct {
	Name    string    `json:"filename"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Stats summarises the tracked directory.
type Stats struct {
	Count        int
	TotalSize    int64
	LastModified time.Time
}

type Repository struct {
	dir string
	ext string
}

// New opens (creating if needed) the tracked directory. ext is the accepted
// extension without the dot, matched case-insensitively.
func New(dir, ext string) (*Repository, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return nil, xerrors.New("packages: extension is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "packages: resolve %s", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "packages: create %s", abs)
	}
	return &Repository{dir: abs, ext: ext}, nil
}

func (r *Repository) Dir() string       { return r.dir }
func (r *Repository) Extension() string { return r.ext }

// Accepts reports whether name has the accepted extension.
func (r *Repository) Accepts(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return false
	}
	return strings.EqualFold(name[i+1:], r.ext)
}

// SafeName validates a name addressed by a client or read from a listing. It
// must already be a flat, visible, accepted base name; nothing is rewritten.
func (r *Repository) SafeName(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || pathutil.HasDotSegments(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	if !r.Accepts(name) {
		return "", ErrNotAccepted
	}
	return name, nil
}

// List returns accepted regular files sorted by name. Entries that vanish
// between the directory read and their stat are left out.
func (r *Repository) List(ctx context.Context) ([]File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read package dir %s", r.dir)
	}
	out := make([]File, 0, len(ents))
	for _, e := range ents {
		if !e.Type().IsRegular() || !r.Accepts(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, xerrors.Wrapf(err, "stat %s", e.Name())
		}
		out = append(out, File{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// Path returns the absolute path of an accepted package name.
func (r *Repository) Path(name string) (string, error) {
	name, err := r.SafeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.dir, name), nil
}

// Open opens a package for reading. Missing files report fs.ErrNotExist.
func (r *Repository) Open(name string) (io.ReadCloser, error) {
	f, _, err := r.OpenFile(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenFile opens a package and stats it, for range-capable serving.
func (r *Repository) OpenFile(name string) (*os.File, fs.FileInfo, error) {
	p, err := r.Path(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "open package %s", name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, xerrors.Wrapf(err, "stat package %s", name)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// Save writes src under the cleaned form of name. The content lands in a
// temp file first so a listing never sees a half-written package.
func (r *Repository) Save(ctx context.Context, name string, src io.Reader) (File, error) {
	clean := pathutil.CleanFileName(name)
	if clean == "" {
		return File{}, ErrInvalidName
	}
	if !r.Accepts(clean) {
		return File{}, ErrNotAccepted
	}

	tmp, err := os.CreateTemp(r.dir, tempPrefix+uuid.NewString()+"-*")
	if err != nil {
		return File{}, xerrors.Wrap(err, "create upload temp file")
	}
	tmpName := tmp.Name()
	done := false
	defer func() {
		if !done {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: src})
	if err != nil {
		return File{}, xerrors.Wrapf(err, "write upload %s", clean)
	}
	if err := tmp.Sync(); err != nil {
		return File{}, xerrors.Wrapf(err, "sync upload %s", clean)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return File{}, xerrors.Wrapf(err, "chmod upload %s", clean)
	}
	if err := tmp.Close(); err != nil {
		return File{}, xerrors.Wrapf(err, "close upload %s", clean)
	}
	dst := filepath.Join(r.dir, clean)
	if err := os.Rename(tmpName, dst); err != nil {
		return File{}, xerrors.Wrapf(err, "install upload %s", clean)
	}
	done = true

	mod := time.Now()
	if info, err := os.Stat(dst); err == nil {
		mod = info.ModTime()
	}
	return File{Name: clean, Size: n, ModTime: mod}, nil
}

// Remove deletes an accepted package.
func (r *Repository) Remove(name string) error {
	p, err := r.Path(name)
	if err != nil {
		return ErrNotFound
	}
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return ErrNotFound
	}
	if err != nil {
		return xerrors.Wrapf(err, "stat package %s", name)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return xerrors.Wrapf(err, "remove package %s", name)
	}
	return nil
}

// Stats totals the current listing.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	files, err := r.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, f := range files {
		s.Count++
		s.TotalSize += f.Size
		if f.ModTime.After(s.LastModified) {
			s.LastModified = f.ModTime
		}
	}
	return s, nil
}

// ctxReader stops a long upload copy once the request is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
