package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"docgate/auth"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Flow     *auth.Flow
	Sessions *SessionStore
	Proxy    *ProxyManager
	Metrics  *Metrics

	refreshWindow time.Duration
}

// AppOption customises NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	client *http.Client
	clock  func() time.Time
}

// WithHTTPClient sets the client used to talk to the identity provider.
func WithHTTPClient(c *http.Client) AppOption {
	return func(o *appOptions) { o.client = c }
}

// WithClock overrides the time source of the login flow.
func WithClock(now func() time.Time) AppOption {
	return func(o *appOptions) { o.clock = now }
}

// NewApp wires together the application state from configuration. Discovery
// is attempted once so a misconfigured issuer stops startup; an unreachable
// provider only logs, since failures are not cached and the first login
// retries.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	timeout := cfg.OIDC.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: timeout}
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	roles, err := auth.NewRoleMapping(cfg.Authorization.AdministratorGroups, cfg.Authorization.StandardGroups)
	if err != nil {
		return nil, err
	}

	authLogger := logger.With("component", "auth")
	exchangerOpts := []auth.ExchangerOption{auth.WithExchangerClock(o.clock)}
	if cfg.OIDC.DefaultTokenLifetime > 0 {
		exchangerOpts = append(exchangerOpts, auth.WithDefaultTokenLifetime(cfg.OIDC.DefaultTokenLifetime))
	}

	flow, err := auth.NewFlow(auth.FlowOptions{
		OAuth:       cfg.OIDC.OAuthConfig(),
		Roles:       roles,
		Claims:      cfg.OIDC.ClaimMapping(),
		Exchanger:   auth.NewExchanger(o.client, authLogger, exchangerOpts...),
		HTTPClient:  o.client,
		Logger:      authLogger,
		Clock:       o.clock,
		PendingTTL:  cfg.Sessions.PendingTTL,
		EnableRenew: cfg.OIDC.RefreshTokens,
	})
	if err != nil {
		return nil, err
	}

	if md, err := flow.Metadata(ctx); err != nil {
		if !errors.Is(err, auth.ErrNetwork) {
			return nil, fmt.Errorf("resolve provider metadata: %w", err)
		}
		logger.Warn("identity provider unreachable at startup", "issuer", cfg.OIDC.Issuer(), "error", err)
	} else {
		logger.Info("identity provider resolved",
			"issuer", md.Issuer,
			"pkce", md.SupportsPKCE(),
			"end_session", md.EndSessionEndpoint != "",
		)
	}

	app := &App{
		Config:        cfg,
		Logger:        logger,
		Flow:          flow,
		refreshWindow: defaultRefreshThreshold,
	}

	sessions, err := NewSessionStore(cfg, flow, logger)
	if err != nil {
		return nil, err
	}
	app.Sessions = sessions
	app.Metrics = NewMetrics(sessions.Count)

	proxy, err := NewProxyManager(cfg.Proxy, app, app.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("init proxy: %w", err)
	}
	if u, err := url.Parse(cfg.Server.PublicURL); err == nil {
		proxy.scheme = u.Scheme
	}
	if !proxy.HasRoutes() {
		logger.Warn("no proxy routes configured; only the gate endpoints are served")
	}
	app.Proxy = proxy

	return app, nil
}

// Identify returns the signed-in user of the request's browser session,
// renewing the access token first when it is about to expire.
func (a *App) Identify(r *http.Request) (*auth.UserClaims, auth.Role) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		return nil, auth.RoleUnauthenticated
	}
	a.renewIfDue(r.Context(), sess)
	user := sess.Manager.CurrentUser()
	if user == nil {
		return nil, auth.RoleUnauthenticated
	}
	return user, sess.Manager.CurrentRole()
}

func (a *App) renewIfDue(ctx context.Context, sess *BrowserSession) {
	if !sess.Manager.NeedsRenewal(a.refreshWindow) {
		return
	}
	err := sess.Manager.Renew(ctx)
	a.Metrics.renewal(err == nil)
	if err != nil {
		a.Logger.Info("session renewal failed", "error", err)
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("return_to"))

	sess, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	if sess.Manager.IsAuthenticated() {
		http.Redirect(w, r, orRoot(returnTo), http.StatusFound)
		return
	}

	redirect, err := sess.Manager.BeginLogin(r.Context())
	if err != nil {
		a.Logger.Error("begin login", "error", err)
		status, msg := loginErrorStatus(err)
		http.Error(w, msg, status)
		return
	}
	sess.SetReturnTo(returnTo)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		a.Metrics.login(outcomeInvalid)
		http.Error(w, "invalid login callback", http.StatusBadRequest)
		return
	}

	params := auth.CallbackParamsFromQuery(r.URL.Query())
	if err := sess.Manager.CompleteLogin(r.Context(), params); err != nil {
		status, msg := loginErrorStatus(err)
		a.Metrics.login(loginOutcome(err))
		a.Logger.Info("login callback rejected", "status", status, "error", err)
		http.Error(w, msg, status)
		return
	}

	next, err := a.Sessions.Rotate(w, sess)
	if err != nil {
		a.Logger.Error("session rotate", "error", err)
		sess.Manager.Discard()
		a.Sessions.Destroy(w, sess)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	a.Metrics.login(outcomeSuccess)
	http.Redirect(w, r, orRoot(next.TakeReturnTo()), http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !a.sameOrigin(r) {
		a.Logger.Warn("cross-origin logout rejected", "origin", r.Header.Get("Origin"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if sess, ok := a.Sessions.Fetch(r); ok {
		if sess.Manager.IsAuthenticated() {
			a.Metrics.logout()
		}
		sess.Manager.Logout(r.Context())
		a.Sessions.Destroy(w, sess)
	} else {
		a.Sessions.Clear(w)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

type sessionView struct {
	Authenticated bool             `json:"authenticated"`
	Role          auth.Role        `json:"role"`
	User          *auth.UserClaims `json:"user,omitempty"`
	SignedInAt    *time.Time       `json:"signed_in_at,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	user, role := a.Identify(r)
	view := sessionView{
		Authenticated: user != nil,
		Role:          role,
		User:          user,
	}
	if sess, ok := a.Sessions.Fetch(r); ok && user != nil {
		if times, ok := sess.Manager.Times(); ok {
			view.SignedInAt = &times.SignedInAt
			view.ExpiresAt = &times.ExpiresAt
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, view)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// sameOrigin rejects requests that a browser marks as coming from another
// site. Requests without Origin or Sec-Fetch-Site come from non-browser
// clients and pass.
func (a *App) sameOrigin(r *http.Request) bool {
	if origin := r.Header.Get("Origin"); origin != "" {
		public, err := url.Parse(a.Config.Server.PublicURL)
		if err != nil {
			return false
		}
		return strings.EqualFold(origin, public.Scheme+"://"+public.Host)
	}
	switch r.Header.Get("Sec-Fetch-Site") {
	case "", "same-origin", "none":
		return true
	default:
		return false
	}
}

// requireRole answers 401 to anonymous callers and 403 to signed-in users
// below minRole.
func (a *App) requireRole(minRole auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, role := a.Identify(r)
			switch {
			case user == nil:
				w.Header().Set("WWW-Authenticate", `Cookie realm="docgate"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
			case role < minRole:
				http.Error(w, "forbidden", http.StatusForbidden)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// loginErrorStatus maps a login flow error to a response code and a fixed
// message. Error details stay in the logs.
func loginErrorStatus(err error) (int, string) {
	switch {
	case auth.IsReason(err, auth.ReasonStateMismatch):
		return http.StatusBadRequest, "invalid login callback"
	case errors.Is(err, auth.ErrAuthorizationDenied):
		return http.StatusForbidden, "not authorized"
	case errors.Is(err, auth.ErrAuthExchange):
		return http.StatusUnauthorized, "login failed"
	case errors.Is(err, auth.ErrNetwork):
		return http.StatusBadGateway, "identity provider unavailable"
	default:
		return http.StatusInternalServerError, "login is not configured correctly"
	}
}

func loginOutcome(err error) string {
	switch {
	case auth.IsReason(err, auth.ReasonStateMismatch):
		return outcomeInvalid
	case errors.Is(err, auth.ErrAuthorizationDenied):
		return outcomeDenied
	case errors.Is(err, auth.ErrNetwork):
		return outcomeUnavailable
	default:
		return outcomeFailed
	}
}

// safeReturnTo keeps only same-origin absolute paths.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	if slices.Contains(reservedPaths, u.Path) {
		return ""
	}
	return u.RequestURI()
}

func orRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
