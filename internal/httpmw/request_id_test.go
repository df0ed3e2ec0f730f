package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func runRequestID(t *testing.T, inbound string) (ctxID, respID string) {
	t.Helper()
	h := RequestID("")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if inbound != "" {
		r.Header.Set("X-Request-Id", inbound)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return ctxID, w.Header().Get("X-Request-Id")
}

func TestRequestID_Generated(t *testing.T) {
	ctxID, respID := runRequestID(t, "")
	if _, err := uuid.Parse(ctxID); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", ctxID, err)
	}
	if respID != ctxID {
		t.Fatalf("response id %q != context id %q", respID, ctxID)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	ctxID, respID := runRequestID(t, "upstream-abc-123")
	if ctxID != "upstream-abc-123" || respID != ctxID {
		t.Fatalf("ids = %q / %q", ctxID, respID)
	}
}

func TestRequestID_RejectsUnsafeInbound(t *testing.T) {
	for _, bad := range []string{"has space", "tab\there", strings.Repeat("a", maxRequestIDLen+1)} {
		ctxID, _ := runRequestID(t, bad)
		if ctxID == bad {
			t.Fatalf("unsafe inbound id %q was kept", bad)
		}
		if _, err := uuid.Parse(ctxID); err != nil {
			t.Fatalf("replacement %q is not a uuid", ctxID)
		}
	}
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	if got := RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
