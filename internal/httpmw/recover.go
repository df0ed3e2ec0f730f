package httpmw

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

type headerTracker struct {
	http.ResponseWriter
	wrote bool
}

func (t *headerTracker) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *headerTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// Recover turns a handler panic into an error log and, when nothing has been
// written yet, a 500 JSON response. http.ErrAbortHandler is re-raised so the
// server aborts the connection as usual. onPanic may be nil.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &headerTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "handler panic")
				} else {
					err = xerrors.Newf("handler panic: %v", rec)
				}
				if onPanic != nil {
					onPanic()
				}
				L.Error(r.Context(), err, "http handler panic recovered",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				)

				if !tw.wrote {
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(tw, r)
		})
	}
}
