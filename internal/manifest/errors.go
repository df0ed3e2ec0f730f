package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound means no manifest is persisted. Fetch returns it wrapped together
// with the cause when the lazy regeneration also failed.
var ErrNotFound = errors.New("manifest not found")

// IOError reports a storage failure during a regeneration or a read. The
// previously persisted manifest is untouched when Regenerate returns one.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return "manifest " + e.Op + ": " + e.Err.Error()
	}
	return "manifest " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// SignatureError means the manifest with Digest was persisted and is being
// served, but its detached signature could not be written. Regenerate returns
// it together with the committed manifest.
type SignatureError struct {
	Digest string
	Err    error
}

func (e *SignatureError) Error() string {
	return "write manifest signature: " + e.Err.Error()
}

func (e *SignatureError) Unwrap() error { return e.Err }

// PartialScanError lists packages that disappeared between the directory
// listing and their hash. The manifest that carries it is still valid and
// persisted; it simply omits those packages.
type PartialScanError struct {
	Skipped []string
}

func (e *PartialScanError) Error() string {
	return fmt.Sprintf("manifest: %d package(s) vanished during scan: %s", len(e.Skipped), strings.Join(e.Skipped, ", "))
}
