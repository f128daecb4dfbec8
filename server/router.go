package server

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"docgate/auth"
)

// Routes constructs the HTTP router: the login endpoints, the session query
// surface and the gated backend routes.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(a.Metrics.Instrument)
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/login", a.handleLogin)
	r.Get(a.callbackPath(), a.handleCallback)
	r.Post("/logout", a.handleLogout)
	r.Get("/session", a.handleSession)
	r.Get("/healthz", a.handleHealthz)
	if a.Config.Server.MetricsListenAddr == "" {
		r.With(a.requireRole(auth.RoleAdministrator)).Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	} else {
		r.Get("/metrics", http.NotFound)
	}

	if a.Proxy.match("/") == nil {
		r.Get("/", a.handleIndex)
	}
	r.NotFound(a.Proxy.ServeHTTP)

	return r
}

// callbackPath is the path component of the registered redirect URI.
func (a *App) callbackPath() string {
	u, err := url.Parse(a.Config.OIDC.RedirectURI)
	if err != nil || u.Path == "" {
		return "/callback"
	}
	return u.Path
}
