package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"docgate/auth/authtest"
)

// flakyTransport fails the first n token endpoint requests before they reach
// the server.
type flakyTransport struct {
	remaining atomic.Int32
	attempts  atomic.Int32
}

func newFlakyTransport(n int32) *flakyTransport {
	f := &flakyTransport{}
	f.remaining.Store(n)
	return f
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if strings.HasSuffix(r.URL.Path, "/token") {
		f.attempts.Add(1)
		if f.remaining.Add(-1) >= 0 {
			return nil, errors.New("connection reset by peer")
		}
	}
	return http.DefaultTransport.RoundTrip(r)
}

func exchangeFixture(t *testing.T, opts authtest.Options, client *http.Client) (*authtest.Provider, *Exchanger, *Metadata) {
	t.Helper()
	p := authtest.NewProvider(t, opts)
	md, err := NewResolver(nil, testLogger()).Resolve(context.Background(), p.Issuer())
	require.NoError(t, err)
	return p, NewExchanger(client, testLogger(), WithRetryDelay(time.Millisecond)), md
}

func TestExchangeSucceeds(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{ExpiresIn: 5 * time.Minute}, nil)
	code := p.IssueCode(user("u-1", "docs-readers"), "", "")

	tok, err := ex.Exchange(context.Background(), code, &AuthorizationRequest{}, testOAuthConfig(p), md)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 5*time.Minute, tok.ExpiresIn)
	assert.EqualValues(t, 1, p.TokenHits())
	assert.Equal(t, "authorization_code", p.LastTokenForm().Get("grant_type"))
	assert.Empty(t, p.LastTokenForm().Get("client_secret"), "basic auth must keep the secret out of the body")
}

func TestExchangeDefaultLifetime(t *testing.T) {
	p, _, md := exchangeFixture(t, authtest.Options{}, nil)
	ex := NewExchanger(nil, testLogger(), WithDefaultTokenLifetime(20*time.Minute))
	code := p.IssueCode(user("u-1", nil), "", "")

	tok, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, tok.ExpiresIn)
}

func TestExchangeClientSecretPost(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{AuthMethods: []string{"client_secret_post"}}, nil)
	code := p.IssueCode(user("u-1", nil), "", "")

	_, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.NoError(t, err)
	assert.Equal(t, authtest.ClientSecret, p.LastTokenForm().Get("client_secret"))
}

func TestExchangeInvalidGrantIsNotRetried(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{}, nil)

	_, err := ex.Exchange(context.Background(), "already-used", nil, testOAuthConfig(p), md)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExchange)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.True(t, IsReason(err, ReasonInvalidGrant))

	var aerr *AuthExchangeError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "invalid_grant", aerr.Code)
	assert.EqualValues(t, 1, p.TokenHits())
}

func TestExchangeProviderErrorIsNotRetried(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{}, nil)
	p.Fail("token", http.StatusInternalServerError, "server_error")
	code := p.IssueCode(user("u-1", nil), "", "")

	_, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.Error(t, err)
	assert.True(t, IsReason(err, ReasonProviderError))
	assert.EqualValues(t, 1, p.TokenHits())
}

func TestExchangeEmptyCode(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{}, nil)

	_, err := ex.Exchange(context.Background(), "", nil, testOAuthConfig(p), md)
	assert.True(t, IsReason(err, ReasonInvalidGrant))
	assert.EqualValues(t, 0, p.TokenHits())
}

func TestExchangeRetriesTransportFailureOnce(t *testing.T) {
	flaky := newFlakyTransport(1)
	p, ex, md := exchangeFixture(t, authtest.Options{}, &http.Client{Transport: flaky, Timeout: 5 * time.Second})
	code := p.IssueCode(user("u-1", nil), "", "")

	tok, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.EqualValues(t, 2, flaky.attempts.Load())
	assert.EqualValues(t, 1, p.TokenHits())
}

func TestExchangeGivesUpAfterSecondTransportFailure(t *testing.T) {
	flaky := newFlakyTransport(5)
	p, ex, md := exchangeFixture(t, authtest.Options{}, &http.Client{Transport: flaky, Timeout: 5 * time.Second})
	code := p.IssueCode(user("u-1", nil), "", "")

	_, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrAuthExchange)
	assert.EqualValues(t, 2, flaky.attempts.Load())
	assert.EqualValues(t, 0, p.TokenHits())
}

func TestExchangeEnforcesPKCE(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{PKCE: true}, nil)
	req, err := BuildAuthorizationRequest(testOAuthConfig(p), md)
	require.NoError(t, err)
	require.NotEmpty(t, req.CodeVerifier)

	code := p.IssueCode(user("u-1", nil), req.Nonce, "challenge-from-another-login")
	_, err = ex.Exchange(context.Background(), code, req, testOAuthConfig(p), md)
	assert.True(t, IsReason(err, ReasonInvalidGrant))
}

func TestExchangeVerifiesIDToken(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{IDTokens: true}, nil)
	pending := &AuthorizationRequest{Nonce: "n-0S6_WzA2Mj"}
	code := p.IssueCode(user("u-42", []string{"docs-readers"}), pending.Nonce, "")

	tok, err := ex.Exchange(context.Background(), code, pending, testOAuthConfig(p), md)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.IDToken)
	assert.Equal(t, "u-42", tok.idSubject)
	assert.Contains(t, string(tok.idClaims), "docs-readers")
}

func TestExchangeRejectsNonceMismatch(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{IDTokens: true}, nil)
	code := p.IssueCode(user("u-42", nil), "nonce-from-elsewhere", "")

	_, err := ex.Exchange(context.Background(), code, &AuthorizationRequest{Nonce: "expected"}, testOAuthConfig(p), md)
	assert.True(t, IsReason(err, ReasonInvalidIDToken))
}

func TestExchangeRejectsUnknownClient(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{}, nil)
	code := p.IssueCode(user("u-42", nil), "", "")
	cfg := testOAuthConfig(p)
	cfg.ClientID = "someone-else"
	cfg.AuthStyle = AuthStylePost

	_, err := ex.Exchange(context.Background(), code, nil, cfg, md)
	require.Error(t, err)
	assert.True(t, IsReason(err, ReasonProviderError))
	var aerr *AuthExchangeError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "invalid_client", aerr.Code)
	assert.EqualValues(t, 1, p.TokenHits())
}

func TestRefreshRotatesTokens(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{}, nil)
	code := p.IssueCode(user("u-1", nil), "", "")
	first, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.NoError(t, err)

	second, err := ex.Refresh(context.Background(), first.RefreshToken, testOAuthConfig(p), md)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = ex.Refresh(context.Background(), first.RefreshToken, testOAuthConfig(p), md)
	assert.True(t, IsReason(err, ReasonInvalidGrant))
}

func TestTokenResponseNeverPrintsSecrets(t *testing.T) {
	p, ex, md := exchangeFixture(t, authtest.Options{IDTokens: true}, nil)
	code := p.IssueCode(user("u-1", nil), "", "")
	tok, err := ex.Exchange(context.Background(), code, nil, testOAuthConfig(p), md)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Info("token", "token", tok, "value", *tok, "config", testOAuthConfig(p))

	printed := []string{
		fmt.Sprintf("%v", tok),
		fmt.Sprintf("%+v", *tok),
		fmt.Sprintf("%#v", *tok),
		fmt.Sprint(*tok),
		buf.String(),
	}
	for _, out := range printed {
		assert.NotContains(t, out, tok.AccessToken)
		assert.NotContains(t, out, tok.RefreshToken)
		assert.NotContains(t, out, tok.IDToken)
		assert.NotContains(t, out, authtest.ClientSecret)
	}
}

func TestExpiresInIsBounded(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want time.Duration
		ok   bool
	}{
		{name: "seconds", raw: float64(3600), want: time.Hour, ok: true},
		{name: "string", raw: "60", want: time.Minute, ok: true},
		{name: "huge float", raw: float64(1e15), want: maxExpiresIn * time.Second, ok: true},
		{name: "huge string", raw: "9223372036854775807", want: maxExpiresIn * time.Second, ok: true},
		{name: "negative", raw: float64(-5), ok: false},
		{name: "garbage", raw: "soon", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := (&oauth2.Token{AccessToken: "at"}).WithExtra(map[string]any{"expires_in": tt.raw})
			got, ok := expiresIn(tok)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
				assert.Positive(t, got)
			}
		})
	}
}
