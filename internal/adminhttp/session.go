package adminhttp

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName = "lmmods_admin"
	keyAuthed   = "authenticated"
	keyCSRF     = "csrf"

	csrfHeader = "X-CSRF-Token"
	csrfField  = "csrf_token"
)

// NewSessionStore returns the cookie store the admin session lives in.
func NewSessionStore(secret []byte, maxAge time.Duration, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(store.Options.MaxAge)
	return store
}

// session never fails: an unreadable cookie (rotated secret, tampering)
// yields a fresh unauthenticated session.
func (api *API) session(r *http.Request) *sessions.Session {
	s, err := api.opts.Sessions.Get(r, sessionName)
	if err != nil {
		api.opts.Logger.Debug(r.Context(), "discarding unreadable admin session", "error", err)
		s, _ = api.opts.Sessions.New(r, sessionName)
		if s == nil {
			s = sessions.NewSession(api.opts.Sessions, sessionName)
		}
		clear(s.Values)
	}
	return s
}

func authenticated(s *sessions.Session) bool {
	v, _ := s.Values[keyAuthed].(bool)
	return v
}

// csrfToken returns the session's token, minting one if needed. The caller
// saves the session.
func csrfToken(s *sessions.Session) string {
	if tok, ok := s.Values[keyCSRF].(string); ok && tok != "" {
		return tok
	}
	tok := uuid.NewString()
	s.Values[keyCSRF] = tok
	return tok
}

func validCSRF(s *sessions.Session, presented string) bool {
	want, ok := s.Values[keyCSRF].(string)
	if !ok || want == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}

func (api *API) passwordOK(pw string) bool {
	if api.opts.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(api.opts.PasswordHash), []byte(pw)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(api.opts.Password), []byte(pw)) == 1
}
