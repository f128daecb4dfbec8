package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docgate/auth"
	"docgate/auth/authtest"
)

type sessionBody struct {
	Authenticated bool   `json:"authenticated"`
	Role          string `json:"role"`
	User          *struct {
		Subject string   `json:"sub"`
		Name    string   `json:"name"`
		Email   string   `json:"email"`
		Groups  []string `json:"groups"`
	} `json:"user"`
	SignedInAt *time.Time `json:"signed_in_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (g *gate) session(t *testing.T, c *http.Client) sessionBody {
	t.Helper()
	resp := g.get(t, c, "/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body sessionBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestLoginRedirectsToProvider(t *testing.T) {
	g := newGate(t, authtest.Options{PKCE: true}, nil)
	c := g.browser(t)

	resp := g.get(t, c, "/login")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, g.idp.Issuer()+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, authtest.ClientID, q.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:8080/callback", q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))

	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
}

func TestLoginFlowEstablishesSession(t *testing.T) {
	g := newGate(t, authtest.Options{PKCE: true, IDTokens: true, ExpiresIn: 5 * time.Minute}, nil)
	c := g.browser(t)

	before := g.get(t, c, "/login")
	preLogin := sessionCookie(before)
	require.NotNil(t, preLogin)
	q, err := url.Parse(before.Header.Get("Location"))
	require.NoError(t, err)
	code := g.idp.IssueCode(user("ada", "docs-admins"), q.Query().Get("nonce"), q.Query().Get("code_challenge"))

	resp := g.get(t, c, "/callback?"+url.Values{"code": {code}, "state": {q.Query().Get("state")}}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	rotated := sessionCookie(resp)
	require.NotNil(t, rotated, "session id is rotated after login")
	assert.NotEqual(t, preLogin.Value, rotated.Value)

	body := g.session(t, c)
	assert.True(t, body.Authenticated)
	assert.Equal(t, "administrator", body.Role)
	require.NotNil(t, body.User)
	assert.Equal(t, "ada", body.User.Subject)
	assert.Equal(t, "ada@example.com", body.User.Email)
	assert.Equal(t, []string{"docs-admins"}, body.User.Groups)
	require.NotNil(t, body.SignedInAt)
	require.NotNil(t, body.ExpiresAt)
	assert.True(t, body.ExpiresAt.After(*body.SignedInAt))
	assert.Equal(t, 1, g.app.Sessions.Count())
}

func TestPreLoginCookieDoesNotCarryLogin(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)

	first := g.get(t, c, "/login")
	preLogin := sessionCookie(first)
	require.NotNil(t, preLogin)
	q, err := url.Parse(first.Header.Get("Location"))
	require.NoError(t, err)
	code := g.idp.IssueCode(user("ada", "docs-readers"), q.Query().Get("nonce"), "")
	resp := g.get(t, c, "/callback?"+url.Values{"code": {code}, "state": {q.Query().Get("state")}}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)

	// A fixated pre-login cookie is worthless once the browser has logged in.
	attacker := g.browser(t)
	u, err := url.Parse(g.server.URL)
	require.NoError(t, err)
	attacker.Jar.SetCookies(u, []*http.Cookie{preLogin})
	assert.False(t, g.session(t, attacker).Authenticated)
}

func TestLoginHonoursReturnTo(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)

	tests := map[string]string{
		"/qa/ask?doc=7":            "/qa/ask?doc=7",
		"//evil.example.com/steal": "/",
		"https://evil.example.com": "/",
		"/logout":                  "/",
	}
	for returnTo, want := range tests {
		t.Run(returnTo, func(t *testing.T) {
			c := g.browser(t)
			resp := g.loginFrom(t, c, "/login?return_to="+url.QueryEscape(returnTo), user("ada", "docs-readers"))
			require.Equal(t, http.StatusFound, resp.StatusCode)
			assert.Equal(t, want, resp.Header.Get("Location"))
		})
	}
}

func TestLoginWhenAlreadyAuthenticated(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)
	g.login(t, c, user("ada", "docs-readers"))

	resp := g.get(t, c, "/login?return_to=/qa/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/qa/", resp.Header.Get("Location"))
}

func TestCallbackRejectsForgedState(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)
	g.beginLogin(t, c, "/login")

	resp := g.get(t, c, "/callback?code=stolen&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int64(0), g.idp.TokenHits())
	assert.False(t, g.session(t, c).Authenticated)
}

func TestCallbackWithoutSession(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)

	resp := g.get(t, g.browser(t), "/callback?code=abc&state=xyz")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int64(0), g.idp.TokenHits())
}

func TestCallbackReplayIsRejected(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)

	q := g.beginLogin(t, c, "/login")
	code := g.idp.IssueCode(user("ada", "docs-readers"), q.Get("nonce"), "")
	callback := "/callback?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode()
	require.Equal(t, http.StatusFound, g.get(t, c, callback).StatusCode)

	assert.Equal(t, http.StatusBadRequest, g.get(t, c, callback).StatusCode)
	assert.True(t, g.session(t, c).Authenticated)
}

func TestForgedCallbackKeepsSignedInSession(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)
	require.Equal(t, http.StatusFound, g.login(t, c, user("ada", "docs-admins")).StatusCode)

	// A cross-site link to the callback must not sign the user out.
	resp := g.get(t, c, "/callback?code=stolen&state=attacker")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, sessionCookie(resp))

	body := g.session(t, c)
	assert.True(t, body.Authenticated)
	assert.Equal(t, "administrator", body.Role)
	assert.Equal(t, int64(1), g.idp.TokenHits())
}

func TestCallbackErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*authtest.Provider)
		user   authtest.User
		status int
		body   string
	}{
		{
			name:   "unmapped groups",
			user:   user("mallory", "contractors"),
			status: http.StatusForbidden,
			body:   "not authorized",
		},
		{
			name:   "code rejected",
			setup:  func(p *authtest.Provider) { p.Fail("token", http.StatusBadRequest, "invalid_grant") },
			user:   user("ada", "docs-readers"),
			status: http.StatusUnauthorized,
			body:   "login failed",
		},
		{
			name:   "userinfo rejects token",
			setup:  func(p *authtest.Provider) { p.Fail("userinfo", http.StatusUnauthorized, "invalid_token") },
			user:   user("ada", "docs-readers"),
			status: http.StatusUnauthorized,
			body:   "login failed",
		},
		{
			name:   "provider unavailable",
			setup:  func(p *authtest.Provider) { p.Fail("userinfo", http.StatusBadGateway, "") },
			user:   user("ada", "docs-readers"),
			status: http.StatusBadGateway,
			body:   "identity provider unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(t, authtest.Options{}, nil)
			if tt.setup != nil {
				tt.setup(g.idp)
			}
			c := g.browser(t)

			resp := g.login(t, c, tt.user)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, readBody(t, resp), tt.body)
			assert.False(t, g.session(t, c).Authenticated)
		})
	}
}

func TestCallbackProviderErrorParameter(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)

	q := g.beginLogin(t, c, "/login")
	resp := g.get(t, c, "/callback?"+url.Values{
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
		"state":             {q.Get("state")},
	}.Encode())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(0), g.idp.TokenHits())
}

func TestLogoutClearsSession(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)
	require.Equal(t, http.StatusFound, g.login(t, c, user("ada", "docs-readers")).StatusCode)
	require.True(t, g.session(t, c).Authenticated)

	u, err := url.Parse(g.server.URL)
	require.NoError(t, err)
	loggedIn := c.Jar.Cookies(u)

	resp := g.do(t, c, http.MethodPost, "/logout", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	cleared := sessionCookie(resp)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	assert.False(t, g.session(t, c).Authenticated)
	assert.Equal(t, int64(1), g.idp.EndSessionHits())
	assert.Equal(t, int64(1), g.idp.RevokeHits())
	assert.Equal(t, 0, g.app.Sessions.Count())

	// Replaying the old cookie finds nothing.
	replay := g.browser(t)
	replay.Jar.SetCookies(u, loggedIn)
	assert.False(t, g.session(t, replay).Authenticated)
}

func TestLogoutSurvivesEndSessionFailure(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	g.idp.Fail("end_session", http.StatusInternalServerError, "server_error")
	c := g.browser(t)
	g.login(t, c, user("ada", "docs-readers"))

	resp := g.do(t, c, http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.False(t, g.session(t, c).Authenticated)
}

func TestLogoutWithoutSession(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	resp := g.do(t, g.browser(t), http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, int64(0), g.idp.EndSessionHits())
}

func TestLogoutRequiresSameOriginPost(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	c := g.browser(t)
	g.login(t, c, user("ada", "docs-readers"))

	assert.Equal(t, http.StatusMethodNotAllowed, g.get(t, c, "/logout").StatusCode)
	assert.True(t, g.session(t, c).Authenticated)

	tests := []struct {
		name   string
		header http.Header
	}{
		{name: "foreign origin", header: http.Header{"Origin": {"https://evil.example.com"}}},
		{name: "cross-site fetch", header: http.Header{"Sec-Fetch-Site": {"cross-site"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.do(t, c, http.MethodPost, "/logout", tt.header)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.True(t, g.session(t, c).Authenticated)
		})
	}

	resp := g.do(t, c, http.MethodPost, "/logout", http.Header{
		"Origin":         {"http://127.0.0.1:8080"},
		"Sec-Fetch-Site": {"same-origin"},
	})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.False(t, g.session(t, c).Authenticated)
}

func TestSessionEndpointAnonymous(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	resp := g.get(t, g.browser(t), "/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.JSONEq(t, `{"authenticated":false,"role":"unauthenticated"}`, readBody(t, resp))
}

func TestSessionEndpointNeverExposesTokens(t *testing.T) {
	g := newGate(t, authtest.Options{IDTokens: true}, nil)
	c := g.browser(t)
	g.login(t, c, user("ada", "docs-readers"))

	body := readBody(t, g.get(t, c, "/session"))
	for _, leak := range []string{"access_token", "refresh_token", "id_token", authtest.ClientSecret} {
		assert.NotContains(t, body, leak)
	}
}

func TestSessionExpiresWithToken(t *testing.T) {
	clock := newFakeClock()
	g := newGate(t, authtest.Options{ExpiresIn: 5 * time.Minute}, nil, WithClock(clock.Now))
	c := g.browser(t)
	g.login(t, c, user("ada", "docs-readers"))
	require.True(t, g.session(t, c).Authenticated)

	clock.Advance(5*time.Minute + time.Second)
	assert.False(t, g.session(t, c).Authenticated)

	sess, ok := g.app.Sessions.Fetch(requestWithJar(t, g, c))
	require.True(t, ok)
	assert.Equal(t, auth.StateLoggedOut, sess.Manager.State())
	assert.Nil(t, sess.Manager.CurrentUser())
}

func TestSessionRenewsExpiringToken(t *testing.T) {
	g := newGate(t, authtest.Options{ExpiresIn: time.Minute}, func(c *Config) {
		c.OIDC.RefreshTokens = true
	})
	c := g.browser(t)
	g.login(t, c, user("ada", "docs-readers"))
	hits := g.idp.TokenHits()

	// A 60s token is inside the renewal window, so the next read rotates it.
	assert.True(t, g.session(t, c).Authenticated)
	assert.Equal(t, hits+1, g.idp.TokenHits())
	assert.Equal(t, "refresh_token", g.idp.LastTokenForm().Get("grant_type"))
}

func TestHealthz(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	resp := g.get(t, g.browser(t), "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
}

func TestIndexPage(t *testing.T) {
	g := newGate(t, authtest.Options{}, func(c *Config) {
		c.Proxy.Routes = []ProxyRoute{{PathPrefix: "/qa", Target: "http://127.0.0.1:1"}}
	})
	c := g.browser(t)

	anon := readBody(t, g.get(t, c, "/"))
	assert.Contains(t, anon, "Sign in")

	g.login(t, c, user("ada", "docs-readers"))
	resp := g.get(t, c, "/")
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	page := readBody(t, resp)
	assert.Contains(t, page, "User ada")
	assert.Contains(t, page, "standard_user")
	assert.Contains(t, page, `href="/qa/"`)
}

func TestMetricsCountLogins(t *testing.T) {
	g := newGate(t, authtest.Options{}, nil)
	g.login(t, g.browser(t), user("ada", "docs-readers"))
	g.login(t, g.browser(t), user("eve", "contractors"))

	assert.Equal(t, http.StatusUnauthorized, g.get(t, g.browser(t), "/metrics").StatusCode)
	reader := g.browser(t)
	g.login(t, reader, user("grace", "docs-readers"))
	assert.Equal(t, http.StatusForbidden, g.get(t, reader, "/metrics").StatusCode)

	admin := g.browser(t)
	g.login(t, admin, user("root", "docs-admins"))
	resp := g.get(t, admin, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `docgate_logins_total{outcome="success"} 3`)
	assert.Contains(t, body, `docgate_logins_total{outcome="denied"} 1`)
	assert.Contains(t, body, "docgate_active_sessions")
}

func TestMetricsOnSeparateListener(t *testing.T) {
	backend := newBackend(t, "site")
	g := newGate(t, authtest.Options{}, func(c *Config) {
		c.Server.MetricsListenAddr = "127.0.0.1:9100"
		c.Proxy.Routes = []ProxyRoute{{PathPrefix: "/", Target: backend.URL}}
	})
	admin := g.browser(t)
	g.login(t, admin, user("root", "docs-admins"))

	resp := g.get(t, admin, "/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Backend"))
}

func TestNewAppStartupDiscovery(t *testing.T) {
	t.Run("configuration error halts", func(t *testing.T) {
		notOIDC := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(notOIDC.Close)
		idp := authtest.NewProvider(t, authtest.Options{})
		cfg := testConfig(t, idp, func(c *Config) { c.OIDC.IssuerURL = notOIDC.URL })

		_, err := NewApp(t.Context(), cfg, testLogger())
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrConfiguration), err)
	})

	t.Run("unreachable provider is tolerated", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		addr := down.URL
		down.Close()
		idp := authtest.NewProvider(t, authtest.Options{})
		cfg := testConfig(t, idp, func(c *Config) { c.OIDC.IssuerURL = addr })

		app, err := NewApp(t.Context(), cfg, testLogger())
		require.NoError(t, err)
		assert.NotNil(t, app.Routes())
	})
}

func TestLoginErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", auth.ErrAuthorizationDenied), http.StatusForbidden},
		{&auth.AuthExchangeError{Reason: auth.ReasonInvalidGrant}, http.StatusUnauthorized},
		{&auth.AuthExchangeError{Reason: auth.ReasonStateMismatch}, http.StatusBadRequest},
		{fmt.Errorf("dial: %w", auth.ErrNetwork), http.StatusBadGateway},
		{fmt.Errorf("bad: %w", auth.ErrConfiguration), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, msg := loginErrorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err)
		assert.NotContains(t, msg, "wrap")
	}
}

func TestSafeReturnTo(t *testing.T) {
	assert.Equal(t, "/qa/ask?x=1", safeReturnTo("/qa/ask?x=1"))
	assert.Equal(t, "", safeReturnTo(""))
	assert.Equal(t, "", safeReturnTo("qa"))
	assert.Equal(t, "", safeReturnTo("//evil.example.com"))
	assert.Equal(t, "", safeReturnTo("/\\evil.example.com"))
	assert.Equal(t, "", safeReturnTo("/callback"))
}

func requestWithJar(t *testing.T, g *gate, c *http.Client) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, g.server.URL+"/session", nil)
	for _, ck := range c.Jar.Cookies(req.URL) {
		req.AddCookie(ck)
	}
	return req
}
