// Package dirwatch regenerates the manifest when the tracked directory is
// changed by something other than this process (rsync, scp, a deploy job).
package dirwatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

const DefaultDebounce = 2 * time.Second

type Metrics interface {
	IncWatchEvent()
	IncWatchTrigger()
}

type Options struct {
	Dir string
	// Accept filters event paths by base name. Hidden files are always
	// ignored, which covers in-flight upload temp files.
	Accept func(name string) bool
	// Trigger runs once per quiet period after relevant events.
	Trigger  func(ctx context.Context) error
	Debounce time.Duration
	Logger   log.Logger
	Metrics  Metrics
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Accept == nil {
		o.Accept = func(string) bool { return true }
	}
}

type Watcher struct {
	opts Options
	fsw  *fsnotify.Watcher
}

// New starts watching Dir. Events are delivered once Run is called.
func New(opts Options) (*Watcher, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, xerrors.New("dirwatch: dir is required")
	}
	if opts.Trigger == nil {
		return nil, xerrors.New("dirwatch: trigger is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "dirwatch: create watcher")
	}
	if err := fsw.Add(opts.Dir); err != nil {
		_ = fsw.Close()
		return nil, xerrors.Wrapf(err, "dirwatch: watch %s", opts.Dir)
	}
	return &Watcher{opts: opts, fsw: fsw}, nil
}

// Relevant reports whether an event for path should schedule a trigger.
func (w *Watcher) Relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return w.opts.Accept(name)
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	L := w.opts.Logger
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.Relevant(ev) {
				continue
			}
			if w.opts.Metrics != nil {
				w.opts.Metrics.IncWatchEvent()
			}
			L.Debug(ctx, "package directory changed", "file", filepath.Base(ev.Name), "op", ev.Op.String())
			timer.Reset(w.opts.Debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were dropped; rescan to be safe
				L.Warn(ctx, "directory watch overflow, scheduling regeneration")
				timer.Reset(w.opts.Debounce)
				continue
			}
			L.Error(ctx, xerrors.Wrap(err, "dirwatch"), "directory watch error", "dir", w.opts.Dir)

		case <-timer.C:
			if w.opts.Metrics != nil {
				w.opts.Metrics.IncWatchTrigger()
			}
			if err := w.opts.Trigger(ctx); err != nil && ctx.Err() == nil {
				L.Warn(ctx, "watch-triggered regeneration failed", "error", err)
			}
		}
	}
}
