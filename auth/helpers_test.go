package auth

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docgate/auth/authtest"
)

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

func testOAuthConfig(p *authtest.Provider) OAuthConfig {
	return OAuthConfig{
		ClientID:     authtest.ClientID,
		ClientSecret: Secret(authtest.ClientSecret),
		IssuerURL:    p.Issuer(),
		RedirectURI:  "http://docs.example.test/callback",
		Scopes:       []string{"profile", "email", "groups"},
	}
}

func testRoles(t *testing.T) RoleMapping {
	t.Helper()
	roles, err := NewRoleMapping([]string{"docs-admins"}, []string{"docs-readers", "docs-writers"})
	require.NoError(t, err)
	return roles
}

func newTestFlow(t *testing.T, p *authtest.Provider, mutate func(*FlowOptions)) *Flow {
	t.Helper()
	opts := FlowOptions{
		OAuth:  testOAuthConfig(p),
		Roles:  testRoles(t),
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	if opts.Exchanger == nil {
		clock := opts.Clock
		if clock == nil {
			clock = time.Now
		}
		opts.Exchanger = NewExchanger(opts.HTTPClient, testLogger(), WithRetryDelay(time.Millisecond), WithExchangerClock(clock))
	}
	flow, err := NewFlow(opts)
	require.NoError(t, err)
	return flow
}

func user(sub string, groups any) authtest.User {
	claims := map[string]any{
		"name":  "Ada Lovelace",
		"email": sub + "@example.test",
	}
	if groups != nil {
		claims["groups"] = groups
	}
	return authtest.User{Subject: sub, Claims: claims}
}

// mustQuery parses raw and returns its query; it only reports failures, so it
// is safe to call from any goroutine.
func mustQuery(t *testing.T, raw string) url.Values {
	u, err := url.Parse(raw)
	if err != nil {
		t.Errorf("parse %q: %v", raw, err)
		return url.Values{}
	}
	return u.Query()
}

// login drives BeginLogin and CompleteLogin as the browser and provider would.
func login(t *testing.T, m *Manager, p *authtest.Provider, u authtest.User) error {
	t.Helper()
	redirect, err := m.BeginLogin(context.Background())
	require.NoError(t, err)
	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	q := parsed.Query()
	code := p.IssueCode(u, q.Get("nonce"), q.Get("code_challenge"))
	return m.CompleteLogin(context.Background(), CallbackParams{Code: code, State: q.Get("state")})
}
