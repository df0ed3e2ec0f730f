package manifest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// Store is the single shared manifest resource: shared reads, exclusive
// whole-document replacement.
type Store interface {
	// Read returns the persisted document, or ErrNotFound.
	Read(ctx context.Context) ([]byte, error)
	// Replace atomically swaps in data. Readers see the old or the new
	// document, never a mix.
	Replace(ctx context.Context, data []byte) error
}

// FileStore persists the document as a single file.
type FileStore struct {
	path string
	perm fs.FileMode
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, perm: 0o644}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	return b, nil
}

func (s *FileStore) Replace(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := WriteFileAtomic(s.path, data, s.perm); err != nil {
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// WriteFileAtomic writes data to a hidden temp file next to path, fsyncs it,
// renames it over path and fsyncs the directory so the rename is durable.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
