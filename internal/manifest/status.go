package manifest

import (
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

// Status is a point-in-time view of the last regeneration, for headers,
// readiness, metrics and the admin API. Manifests themselves are always
// served from the Store.
type Status struct {
	Digest      string
	GeneratedAt time.Time
	Entries     int
	TotalSize   int64
	Skipped     []string
	Duration    time.Duration

	// LastAttempt and LastErr describe the most recent attempt, which may have
	// failed after an earlier success.
	LastAttempt time.Time
	LastErr     error
}

type tracker struct {
	cur atomic.Pointer[Status]
}

func (t *tracker) get() Status {
	if s := t.cur.Load(); s != nil {
		return *s
	}
	return Status{}
}

func (t *tracker) succeeded(s Status) {
	cp := s
	cp.Skipped = append([]string(nil), s.Skipped...)
	t.cur.Store(&cp)
}

func (t *tracker) failed(at time.Time, err error) {
	cp := t.get()
	cp.LastAttempt = at
	cp.LastErr = err
	t.cur.Store(&cp)
}

// observed refreshes the status from a document read back from storage. The
// store may have been replaced by another writer, such as manifestgen, so any
// digest change is taken unless the document is older than the one recorded.
func (t *tracker) observed(m *Manifest, digest string) {
	old := t.cur.Load()
	if old != nil && (old.Digest == digest || m.LastUpdated.Before(old.GeneratedAt)) {
		return
	}
	cp := &Status{
		Digest:      digest,
		GeneratedAt: m.LastUpdated,
		Entries:     len(m.Mods),
		TotalSize:   m.TotalSize(),
	}
	if old != nil {
		cp.LastAttempt, cp.LastErr = old.LastAttempt, old.LastErr
	}
	t.cur.CompareAndSwap(old, cp)
}

// Status returns the latest regeneration status.
func (s *Synchronizer) Status() Status { return s.status.get() }

// Digest returns the SHA-256 of the current manifest document, or "".
func (s *Synchronizer) Digest() string { return s.status.get().Digest }

// GeneratedAt returns the last_updated stamp of the current manifest.
func (s *Synchronizer) GeneratedAt() time.Time { return s.status.get().GeneratedAt }

// ReadyErr reports whether a manifest has been built or observed.
func (s *Synchronizer) ReadyErr() error {
	if s.status.get().Digest == "" {
		return xerrors.New("manifest: not generated yet")
	}
	return nil
}
