package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// State is a step of the per-browser login state machine.
type State int

// Login states.
const (
	StateLoggedOut State = iota
	StatePendingAuthorization
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StatePendingAuthorization:
		return "pending_authorization"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "logged_out"
	}
}

// Session is the result of a completed login. Only the login and renewal
// transitions construct one.
type Session struct {
	token           *TokenResponse
	claims          *UserClaims
	role            Role
	createdAt       time.Time
	lastValidatedAt time.Time
}

func newSession(tok *TokenResponse, claims *UserClaims, role Role, now time.Time) *Session {
	return &Session{
		token:           tok,
		claims:          claims,
		role:            role,
		createdAt:       now,
		lastValidatedAt: now,
	}
}

// SessionTimes describes the lifetime of an authenticated session.
type SessionTimes struct {
	SignedInAt      time.Time
	LastValidatedAt time.Time
	ExpiresAt       time.Time
}

func (s *Session) wipe() {
	if s.token != nil {
		s.token.wipe()
		s.token = nil
	}
	if s.claims != nil {
		s.claims.wipe()
		s.claims = nil
	}
	s.role = RoleUnauthenticated
}

// CallbackParams are the query parameters delivered to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery reads the callback parameters from a redirect URI query.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// Manager owns the login state of one browser session. Transitions are
// serialized; no caller ever observes a partially built Session.
type Manager struct {
	flow *Flow

	mu      sync.Mutex
	state   State
	pending *AuthorizationRequest
	session *Session
}

// State reports the current state without validating token expiry.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginLogin moves the manager to PendingAuthorization and returns the URL
// the browser must be redirected to. Any existing session is discarded.
func (m *Manager) BeginLogin(ctx context.Context) (string, error) {
	md, err := m.flow.metadata(ctx)
	if err != nil {
		return "", err
	}
	req, err := BuildAuthorizationRequest(m.flow.oauth, md)
	if err != nil {
		return "", err
	}
	req.CreatedAt = m.flow.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.pending = req
	m.state = StatePendingAuthorization
	m.flow.logger.Debug("login started")
	return req.URL, nil
}

// CompleteLogin handles the provider callback. It succeeds only when the state
// matches the pending request and exchange, userinfo and authorization all
// succeed. A failure during a pending login leaves the manager LoggedOut; a
// callback with no login in progress is rejected and changes nothing.
func (m *Manager) CompleteLogin(ctx context.Context, params CallbackParams) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pending
	if m.state != StatePendingAuthorization || pending == nil {
		m.flow.logger.Warn("callback without a login in progress", "state", m.state.String())
		return exchangeError(ReasonStateMismatch, "", errors.New("no login in progress"))
	}
	if params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(pending.State)) != 1 {
		m.resetLocked()
		m.flow.logger.Warn("callback state mismatch")
		return exchangeError(ReasonStateMismatch, "", errors.New("callback state does not match"))
	}
	// The state is single use from here on.
	m.pending = nil
	m.state = StateLoggedOut

	defer func() {
		if err != nil {
			m.resetLocked()
		}
	}()

	if params.Error != "" {
		m.flow.logger.Warn("provider returned an authorization error", "error_code", params.Error)
		return exchangeError(ReasonProviderError, params.Error, errors.New("authorization request rejected"))
	}
	if pending.CreatedAt.Add(m.flow.pendingTTL).Before(m.flow.now()) {
		return exchangeError(ReasonStateMismatch, "", errors.New("login request expired"))
	}

	md, err := m.flow.metadata(ctx)
	if err != nil {
		return err
	}
	tok, err := m.flow.exchanger.Exchange(ctx, params.Code, pending, m.flow.oauth, md)
	if err != nil {
		return err
	}
	claims, role, err := m.flow.identify(ctx, tok, md)
	if err != nil {
		tok.wipe()
		return err
	}

	m.session = newSession(tok, claims, role, m.flow.now())
	m.state = StateAuthenticated
	m.flow.logger.Info("login succeeded", "sub", claims.Subject, "role", role.String(), "groups", len(claims.Groups))
	return nil
}

// Renew rotates the token with the refresh token and re-evaluates the user.
// The new Session replaces the old one atomically; any failure logs out.
func (m *Manager) Renew(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.flow.refresh {
		return configError("refresh tokens are disabled")
	}
	if m.state != StateAuthenticated || m.session == nil {
		return exchangeError(ReasonInvalidToken, "", errors.New("no authenticated session"))
	}
	refreshToken := m.session.token.RefreshToken
	if refreshToken == "" {
		return exchangeError(ReasonInvalidGrant, "", errors.New("session has no refresh token"))
	}

	defer func() {
		if err != nil {
			m.resetLocked()
		}
	}()

	md, err := m.flow.metadata(ctx)
	if err != nil {
		return err
	}
	tok, err := m.flow.exchanger.Refresh(ctx, refreshToken, m.flow.oauth, md)
	if err != nil {
		return err
	}
	claims, role, err := m.flow.identify(ctx, tok, md)
	if err != nil {
		tok.wipe()
		return err
	}
	if claims.Subject != m.session.claims.Subject {
		tok.wipe()
		return exchangeError(ReasonInvalidResponse, "", errors.New("renewed token belongs to another subject"))
	}

	old := m.session
	m.session = newSession(tok, claims, role, m.flow.now())
	m.session.createdAt = old.createdAt
	old.wipe()
	m.flow.logger.Info("session renewed", "sub", claims.Subject, "role", role.String())
	return nil
}

// NeedsRenewal reports whether the token expires within window and a refresh
// token is available.
func (m *Manager) NeedsRenewal(window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.flow.refresh || m.state != StateAuthenticated || m.session == nil {
		return false
	}
	tok := m.session.token
	return tok.RefreshToken != "" && !m.flow.now().Add(window).Before(tok.ExpiresAt())
}

// Logout clears the session immediately, then notifies the provider on a best
// effort basis. Notification failures are logged and never returned.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	var idToken, accessToken, refreshToken string
	if m.session != nil && m.session.token != nil {
		idToken = m.session.token.IDToken
		accessToken = m.session.token.AccessToken
		refreshToken = m.session.token.RefreshToken
	}
	wasAuthenticated := m.state == StateAuthenticated
	m.resetLocked()
	m.mu.Unlock()

	if !wasAuthenticated {
		return
	}
	m.flow.logger.Info("logged out")
	m.flow.notifyLogout(ctx, idToken, accessToken, refreshToken)
}

// Discard wipes the session without contacting the provider. It is used when
// the owning browser session is evicted.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// IsAuthenticated reports whether a valid, unexpired session exists.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked()
}

// CurrentRole returns the role of the session, or RoleUnauthenticated.
func (m *Manager) CurrentRole() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validateLocked() {
		return RoleUnauthenticated
	}
	return m.session.role
}

// Times reports when the session was established and when its token
// expires. ok is false when there is no valid session.
func (m *Manager) Times() (times SessionTimes, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validateLocked() {
		return SessionTimes{}, false
	}
	return SessionTimes{
		SignedInAt:      m.session.createdAt,
		LastValidatedAt: m.session.lastValidatedAt,
		ExpiresAt:       m.session.token.ExpiresAt(),
	}, true
}

// CurrentUser returns a copy of the user's claims, or nil when logged out.
func (m *Manager) CurrentUser() *UserClaims {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validateLocked() {
		return nil
	}
	c := m.session.claims.clone()
	return &c
}

// validateLocked enforces the token lifetime. An expired session is wiped.
func (m *Manager) validateLocked() bool {
	if m.state != StateAuthenticated || m.session == nil {
		return false
	}
	now := m.flow.now()
	if m.session.token.Expired(now) {
		m.flow.logger.Info("session token expired", "sub", m.session.claims.Subject)
		m.resetLocked()
		return false
	}
	m.session.lastValidatedAt = now
	return true
}

func (m *Manager) resetLocked() {
	if m.session != nil {
		m.session.wipe()
		m.session = nil
	}
	m.pending = nil
	m.state = StateLoggedOut
}

// Flow holds the process-wide collaborators shared by every Manager.
type Flow struct {
	oauth      OAuthConfig
	roles      RoleMapping
	claims     ClaimMapping
	resolver   *Resolver
	exchanger  *Exchanger
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
	pendingTTL time.Duration
	refresh    bool
}

// FlowOptions configures NewFlow.
type FlowOptions struct {
	OAuth       OAuthConfig
	Roles       RoleMapping
	Claims      ClaimMapping
	Resolver    *Resolver
	Exchanger   *Exchanger
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Clock       func() time.Time
	PendingTTL  time.Duration
	EnableRenew bool
}

// NewFlow validates opts and returns a Flow.
func NewFlow(opts FlowOptions) (*Flow, error) {
	if opts.OAuth.IssuerURL == "" {
		return nil, configError("issuer_url is required")
	}
	if opts.OAuth.ClientID == "" {
		return nil, configError("client_id is required")
	}
	if opts.OAuth.RedirectURI == "" {
		return nil, configError("redirect_uri is required")
	}
	if len(opts.Roles) == 0 {
		return nil, configError("role mapping is empty")
	}

	f := &Flow{
		oauth:      opts.OAuth,
		roles:      opts.Roles,
		claims:     opts.Claims,
		resolver:   opts.Resolver,
		exchanger:  opts.Exchanger,
		client:     opts.HTTPClient,
		logger:     opts.Logger,
		now:        opts.Clock,
		pendingTTL: opts.PendingTTL,
		refresh:    opts.EnableRenew,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 10 * time.Second}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "session")
	if f.now == nil {
		f.now = time.Now
	}
	if f.resolver == nil {
		f.resolver = NewResolver(f.client, opts.Logger)
	}
	if f.exchanger == nil {
		f.exchanger = NewExchanger(f.client, opts.Logger, WithExchangerClock(f.now))
	}
	if f.claims.GroupsClaim == "" {
		f.claims = DefaultClaimMapping()
	}
	if f.pendingTTL <= 0 {
		f.pendingTTL = 10 * time.Minute
	}
	return f, nil
}

// NewManager returns a LoggedOut manager for a new browser session.
func (f *Flow) NewManager() *Manager {
	return &Manager{flow: f}
}

// Metadata resolves (or returns the cached) discovery metadata.
func (f *Flow) Metadata(ctx context.Context) (*Metadata, error) {
	return f.metadata(ctx)
}

func (f *Flow) metadata(ctx context.Context) (*Metadata, error) {
	return f.resolver.Resolve(ctx, f.oauth.IssuerURL)
}

// identify fetches claims and evaluates them. It produces both or neither.
func (f *Flow) identify(ctx context.Context, tok *TokenResponse, md *Metadata) (*UserClaims, Role, error) {
	claims, err := f.exchanger.FetchClaims(ctx, tok, md, f.claims)
	if err != nil {
		return nil, RoleUnauthenticated, err
	}
	role, err := Admit(claims, f.roles)
	if err != nil {
		f.logger.Warn("login denied", "sub", claims.Subject, "groups", claims.Groups)
		return nil, RoleUnauthenticated, err
	}
	return claims, role, nil
}

func (f *Flow) notifyLogout(ctx context.Context, idToken, accessToken, refreshToken string) {
	md, err := f.metadata(ctx)
	if err != nil {
		f.logger.Warn("logout notification skipped", "error", err)
		return
	}

	if md.RevocationEndpoint != "" {
		token, hint := refreshToken, "refresh_token"
		if token == "" {
			token, hint = accessToken, "access_token"
		}
		if token != "" {
			form := url.Values{"token": {token}, "token_type_hint": {hint}}
			if err := f.post(ctx, md.RevocationEndpoint, form); err != nil {
				f.logger.Warn("token revocation failed", "error", err)
			}
		}
	}

	if md.EndSessionEndpoint != "" {
		q := url.Values{"client_id": {f.oauth.ClientID}}
		if idToken != "" {
			q.Set("id_token_hint", idToken)
		}
		if err := f.get(ctx, md.EndSessionEndpoint, q); err != nil {
			f.logger.Warn("end-session notification failed", "error", err)
		}
	}
}

func (f *Flow) post(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(f.oauth.ClientID), url.QueryEscape(f.oauth.ClientSecret.Reveal()))
	return f.do(req)
}

func (f *Flow) get(ctx context.Context, endpoint string, q url.Values) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	return f.do(req)
}

func (f *Flow) do(req *http.Request) error {
	res, err := f.client.Do(req)
	if err != nil {
		// url.Error would echo the query string, which may hold the id_token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("%s %s: %w", req.Method, uerr.Op, uerr.Err)
		}
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return nil
}
