// Package xerrors attaches call-site information to errors so the logger can
// report where a failure was wrapped without formatting stack text eagerly.
//
// Wrap/Wrapf record a single program counter. New/Newf/WithStack record a
// full stack. Both unwrap normally for errors.Is and errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type wrapped struct {
	msg string
	err error
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// stack captures the caller's stack; skip counts frames above the exported func.
func stack(err error, skip int) error {
	pcs := make([]uintptr, maxDepth)
	// runtime.Callers, stack, exported func
	n := runtime.Callers(3+skip, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

func pcOf(skip int) uintptr {
	var pcs [1]uintptr
	// runtime.Callers, pcOf, exported func
	if runtime.Callers(3+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return stack(errors.New(msg), 0) }

func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 0) }

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return stack(err, 0)
}

// EnsureTrace adds a stack only when no error in the chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stack(err, 0)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: msg, err: err, pc: pcOf(0)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{msg: fmt.Sprintf(format, args...), err: err, pc: pcOf(0)}
}
