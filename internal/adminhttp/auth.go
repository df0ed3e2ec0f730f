package adminhttp

import (
	"bytes"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/keithlinneman/linnemanlabs-mods/internal/packages"
)

type loginPage struct {
	Error     string
	CSRFToken string
}

type indexPage struct {
	CSRFToken      string
	Stats          packages.Stats
	ManifestDigest string
	Extension      string
	Version        string
}

func (api *API) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	s := api.session(r)
	if authenticated(s) {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	api.renderLogin(w, r, s, http.StatusOK, "")
}

func (api *API) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := api.session(r)

	if err := r.ParseForm(); err != nil {
		api.renderLogin(w, r, s, http.StatusBadRequest, "Invalid form submission")
		return
	}
	if !validCSRF(s, r.PostFormValue(csrfField)) {
		api.metric(func(m Metrics) { m.IncLoginAttempt("csrf") })
		api.renderLogin(w, r, s, http.StatusForbidden, "Your session expired, please try again")
		return
	}
	if !api.passwordOK(r.PostFormValue("password")) {
		api.metric(func(m Metrics) { m.IncLoginAttempt("failure") })
		api.opts.Logger.Warn(ctx, "admin login failed")
		api.renderLogin(w, r, s, http.StatusUnauthorized, "Incorrect password")
		return
	}

	// fresh token on privilege change
	clear(s.Values)
	s.Values[keyAuthed] = true
	csrfToken(s)
	if err := s.Save(r, w); err != nil {
		api.opts.Logger.Error(ctx, err, "failed to save admin session")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	api.metric(func(m Metrics) { m.IncLoginAttempt("success") })
	api.opts.Logger.Info(ctx, "admin login succeeded")
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

func (api *API) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s := api.session(r)
	clear(s.Values)
	s.Options.MaxAge = -1
	if err := s.Save(r, w); err != nil {
		api.opts.Logger.Warn(r.Context(), "failed to clear admin session", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (api *API) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := api.session(r)

	stats, err := api.opts.Packages.Stats(ctx)
	if err != nil {
		api.opts.Logger.Error(ctx, err, "failed to compute package stats")
	}
	page := indexPage{
		CSRFToken:      csrfToken(s),
		Stats:          stats,
		ManifestDigest: api.opts.Manifests.Status().Digest,
		Extension:      api.opts.Packages.Extension(),
		Version:        api.opts.Version,
	}
	if err := s.Save(r, w); err != nil {
		api.opts.Logger.Error(ctx, err, "failed to save admin session")
	}
	api.render(w, r, indexTemplate, http.StatusOK, page)
}

func (api *API) renderLogin(w http.ResponseWriter, r *http.Request, s *sessions.Session, status int, msg string) {
	page := loginPage{Error: msg, CSRFToken: csrfToken(s)}
	if err := s.Save(r, w); err != nil {
		api.opts.Logger.Error(r.Context(), err, "failed to save admin session")
	}
	api.render(w, r, loginTemplate, status, page)
}

// render executes into a buffer so a template error never leaves a
// half-written page.
func (api *API) render(w http.ResponseWriter, r *http.Request, name string, status int, data any) {
	var buf bytes.Buffer
	if err := api.opts.Templates.ExecuteTemplate(&buf, name, data); err != nil {
		api.opts.Logger.Error(r.Context(), err, "failed to render template", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (api *API) requirePage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authenticated(api.session(r)) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (api *API) requireAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authenticated(api.session(r)) {
			writeJSON(w, http.StatusUnauthorized, errorBody("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF checks the header token on state-changing API calls.
func (api *API) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if !validCSRF(api.session(r), r.Header.Get(csrfHeader)) {
			writeJSON(w, http.StatusForbidden, errorBody("invalid csrf token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
