package log

import "context"

type nopLogger struct{}

func (nopLogger) With(...any) Logger                           { return nopLogger{} }
func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }

// Nop returns a Logger that discards everything. Used as the context fallback and in tests.
func Nop() Logger { return nopLogger{} }
