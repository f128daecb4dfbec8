package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docgate/auth"
	"docgate/auth/authtest"
)

const testCookieSecret = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func user(sub string, groups ...string) authtest.User {
	return authtest.User{Subject: sub, Claims: map[string]any{
		"name":   "User " + sub,
		"email":  sub + "@example.com",
		"groups": groups,
	}}
}

func testConfig(t *testing.T, p *authtest.Provider, mutate func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OIDC.IssuerURL = p.Issuer()
	cfg.OIDC.ClientID = authtest.ClientID
	cfg.OIDC.ClientSecret = authtest.ClientSecret
	cfg.Authorization.AdministratorGroups = []string{"docs-admins"}
	cfg.Authorization.StandardGroups = []string{"docs-readers"}
	cfg.Sessions.CookieSecret = testCookieSecret
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.applyDerivedDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func testFlow(t *testing.T, p *authtest.Provider) *auth.Flow {
	t.Helper()
	roles, err := auth.NewRoleMapping([]string{"docs-admins"}, []string{"docs-readers"})
	require.NoError(t, err)
	flow, err := auth.NewFlow(auth.FlowOptions{
		OAuth: auth.OAuthConfig{
			ClientID:     authtest.ClientID,
			ClientSecret: authtest.ClientSecret,
			IssuerURL:    p.Issuer(),
			RedirectURI:  "http://127.0.0.1:8080/callback",
		},
		Roles:  roles,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	return flow
}

// gate is a running App in front of a fake identity provider.
type gate struct {
	app    *App
	server *httptest.Server
	idp    *authtest.Provider
}

func newGate(t *testing.T, opts authtest.Options, mutate func(*Config), appOpts ...AppOption) *gate {
	t.Helper()
	idp := authtest.NewProvider(t, opts)
	cfg := testConfig(t, idp, mutate)
	app, err := NewApp(t.Context(), cfg, testLogger(), appOpts...)
	require.NoError(t, err)
	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)
	return &gate{app: app, server: srv, idp: idp}
}

// browser returns a client with a cookie jar that does not follow redirects.
func (g *gate) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (g *gate) do(t *testing.T, c *http.Client, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, g.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (g *gate) get(t *testing.T, c *http.Client, path string) *http.Response {
	t.Helper()
	return g.do(t, c, http.MethodGet, path, nil)
}

// beginLogin starts a login and returns the authorization request parameters.
func (g *gate) beginLogin(t *testing.T, c *http.Client, path string) url.Values {
	t.Helper()
	resp := g.get(t, c, path)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), g.idp.Issuer()+"/authorize"), loc.String())
	return loc.Query()
}

// login runs the full browser flow for u and returns the callback response.
func (g *gate) login(t *testing.T, c *http.Client, u authtest.User) *http.Response {
	t.Helper()
	return g.loginFrom(t, c, "/login", u)
}

func (g *gate) loginFrom(t *testing.T, c *http.Client, path string, u authtest.User) *http.Response {
	t.Helper()
	q := g.beginLogin(t, c, path)
	code := g.idp.IssueCode(u, q.Get("nonce"), q.Get("code_challenge"))
	return g.get(t, c, "/callback?"+url.Values{"code": {code}, "state": {q.Get("state")}}.Encode())
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == DefaultSessionCookie {
			return c
		}
	}
	return nil
}
