// Package authtest runs an in-process OpenID Connect provider for tests.
package authtest

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// Default client registration accepted by the provider.
const (
	ClientID     = "docgate-test"
	ClientSecret = "docgate-test-secret"
)

// User is an account known to the provider. Claims are returned verbatim from
// the userinfo endpoint next to "sub", so any claim shape can be exercised.
type User struct {
	Subject string
	Claims  map[string]any
}

// Options tunes what the provider advertises and returns.
type Options struct {
	// PKCE advertises S256 code challenges and enforces them.
	PKCE bool
	// OmitUserinfo leaves userinfo_endpoint out of discovery.
	OmitUserinfo bool
	// IDTokens adds a signed id_token to token responses.
	IDTokens bool
	// ExpiresIn is sent as expires_in. Zero omits it.
	ExpiresIn time.Duration
	// AuthMethods is token_endpoint_auth_methods_supported.
	AuthMethods []string
	// DefaultUser is logged in by the /authorize endpoint.
	DefaultUser *User
}

type grant struct {
	user      User
	nonce     string
	challenge string
}

type failure struct {
	status int
	code   string
}

// Provider is a fake identity provider backed by httptest.Server.
type Provider struct {
	Server *httptest.Server
	opts   Options
	keys   *signer

	mu       sync.Mutex
	codes    map[string]grant
	access   map[string]User
	refresh  map[string]User
	fails    map[string]failure
	revoked  []string
	lastForm url.Values

	discoveryHits  atomic.Int64
	tokenHits      atomic.Int64
	userinfoHits   atomic.Int64
	endSessionHits atomic.Int64
	revokeHits     atomic.Int64
}

// NewProvider starts a provider and stops it when the test ends.
func NewProvider(t interface {
	Helper()
	Fatalf(string, ...any)
	Cleanup(func())
}, opts Options) *Provider {
	t.Helper()
	keys, err := newSigner()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	if opts.AuthMethods == nil {
		opts.AuthMethods = []string{"client_secret_basic", "client_secret_post"}
	}
	p := &Provider{
		opts:    opts,
		keys:    keys,
		codes:   map[string]grant{},
		access:  map[string]User{},
		refresh: map[string]User{},
		fails:   map[string]failure{},
	}
	p.Server = httptest.NewServer(p.routes())
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the issuer identifier, equal to the server URL.
func (p *Provider) Issuer() string { return p.Server.URL }

func (p *Provider) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/userinfo", p.handleUserinfo)
	r.Get("/keys", p.handleKeys)
	r.Get("/logout", p.handleEndSession)
	r.Post("/revoke", p.handleRevoke)
	return r
}

// IssueCode mints an authorization code for user as if they had logged in.
func (p *Provider) IssueCode(user User, nonce, challenge string) string {
	code := randomString()
	p.mu.Lock()
	p.codes[code] = grant{user: user, nonce: nonce, challenge: challenge}
	p.mu.Unlock()
	return code
}

// Fail makes endpoint ("token", "userinfo", "end_session", "revoke") answer
// status with an OAuth error body. A zero status clears the failure.
func (p *Provider) Fail(endpoint string, status int, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == 0 {
		delete(p.fails, endpoint)
		return
	}
	p.fails[endpoint] = failure{status: status, code: code}
}

// ExpireAccessTokens forgets every issued access token.
func (p *Provider) ExpireAccessTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access = map[string]User{}
}

// Revoked lists tokens passed to the revocation endpoint.
func (p *Provider) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

// LastTokenForm is the form body of the most recent token request.
func (p *Provider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastForm
}

// DiscoveryHits counts discovery document fetches.
func (p *Provider) DiscoveryHits() int64 { return p.discoveryHits.Load() }

// TokenHits counts token endpoint requests.
func (p *Provider) TokenHits() int64 { return p.tokenHits.Load() }

// UserinfoHits counts userinfo requests.
func (p *Provider) UserinfoHits() int64 { return p.userinfoHits.Load() }

// EndSessionHits counts end-session requests.
func (p *Provider) EndSessionHits() int64 { return p.endSessionHits.Load() }

// RevokeHits counts revocation requests.
func (p *Provider) RevokeHits() int64 { return p.revokeHits.Load() }

func (p *Provider) failureFor(endpoint string) (failure, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fails[endpoint]
	return f, ok
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.discoveryHits.Add(1)
	base := p.Server.URL
	doc := map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/keys",
		"end_session_endpoint":                  base + "/logout",
		"revocation_endpoint":                   base + "/revoke",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "groups"},
		"token_endpoint_auth_methods_supported": p.opts.AuthMethods,
	}
	if !p.opts.OmitUserinfo {
		doc["userinfo_endpoint"] = base + "/userinfo"
	}
	if p.opts.PKCE {
		doc["code_challenge_methods_supported"] = []string{"S256"}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.String() == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != ClientID || q.Get("response_type") != "code" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if p.opts.DefaultUser == nil {
		back := redirect.Query()
		back.Set("error", "access_denied")
		back.Set("state", q.Get("state"))
		redirect.RawQuery = back.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
		return
	}

	code := p.IssueCode(*p.opts.DefaultUser, q.Get("nonce"), q.Get("code_challenge"))
	back := redirect.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	p.mu.Lock()
	p.lastForm = r.PostForm
	p.mu.Unlock()

	if f, ok := p.failureFor("token"); ok {
		oauthError(w, f.status, f.code)
		return
	}
	if !p.clientAuthenticated(r) {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var user User
	var nonce string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.mu.Lock()
		g, ok := p.codes[r.PostForm.Get("code")]
		delete(p.codes, r.PostForm.Get("code"))
		p.mu.Unlock()
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if g.challenge != "" && s256(r.PostForm.Get("code_verifier")) != g.challenge {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		user, nonce = g.user, g.nonce
	case "refresh_token":
		p.mu.Lock()
		u, ok := p.refresh[r.PostForm.Get("refresh_token")]
		delete(p.refresh, r.PostForm.Get("refresh_token"))
		p.mu.Unlock()
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		user = u
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access, refresh := randomString(), randomString()
	p.mu.Lock()
	p.access[access] = user
	p.refresh[refresh] = user
	p.mu.Unlock()

	body := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"refresh_token": refresh,
	}
	if p.opts.ExpiresIn > 0 {
		body["expires_in"] = int64(p.opts.ExpiresIn / time.Second)
	}
	if p.opts.IDTokens {
		idToken, err := p.keys.sign(idTokenClaims(p.Issuer(), ClientID, user.Subject, nonce, time.Now(), time.Hour, user.Claims))
		if err != nil {
			oauthError(w, http.StatusInternalServerError, "server_error")
			return
		}
		body["id_token"] = idToken
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id == ClientID && subtle.ConstantTimeCompare([]byte(secret), []byte(ClientSecret)) == 1
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.userinfoHits.Add(1)
	if f, ok := p.failureFor("userinfo"); ok {
		if f.code != "" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q`, f.code))
		}
		w.WriteHeader(f.status)
		return
	}
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	user, ok := p.access[token]
	p.mu.Unlock()
	if !found || !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body := map[string]any{}
	for k, v := range user.Claims {
		body[k] = v
	}
	body["sub"] = user.Subject
	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.keys.publicJWKS())
}

func (p *Provider) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p.endSessionHits.Add(1)
	if f, ok := p.failureFor("end_session"); ok {
		w.WriteHeader(f.status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p.revokeHits.Add(1)
	if f, ok := p.failureFor("revoke"); ok {
		oauthError(w, f.status, f.code)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	token := r.PostForm.Get("token")
	p.mu.Lock()
	p.revoked = append(p.revoked, token)
	delete(p.access, token)
	delete(p.refresh, token)
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	if code == "" {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomString() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
