package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// AuthorizationRequest is a pending login: the redirect target plus the values
// that must be presented again when the callback arrives.
type AuthorizationRequest struct {
	URL          string
	State        string
	Nonce        string
	CodeVerifier string
	CreatedAt    time.Time
}

// BuildAuthorizationRequest constructs the redirect to the provider's
// authorization endpoint. It does not create a session.
func BuildAuthorizationRequest(cfg OAuthConfig, md *Metadata) (*AuthorizationRequest, error) {
	if md == nil {
		return nil, configError("discovery metadata not resolved")
	}
	if cfg.ClientID == "" {
		return nil, configError("client_id is required")
	}
	if cfg.RedirectURI == "" {
		return nil, configError("redirect_uri is required")
	}

	state, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	req := &AuthorizationRequest{
		State:     state,
		Nonce:     nonce,
		CreatedAt: time.Now(),
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	if md.SupportsPKCE() {
		req.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}

	req.URL = oauth2Config(cfg, md).AuthCodeURL(state, opts...)
	return req, nil
}

// oauth2Config maps the relying-party configuration onto x/oauth2.
func oauth2Config(cfg OAuthConfig, md *Metadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret.Reveal(),
		RedirectURL:  cfg.RedirectURI,
		Scopes:       requestScopes(cfg.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: authStyle(cfg, md),
		},
	}
}

func requestScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes)+1)
	out = append(out, oidc.ScopeOpenID)
	for _, s := range scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// authStyle never returns AuthStyleAutoDetect: probing both styles would send
// the single-use code twice.
func authStyle(cfg OAuthConfig, md *Metadata) oauth2.AuthStyle {
	switch {
	case cfg.ClientSecret == "":
		return oauth2.AuthStyleInParams
	case cfg.AuthStyle == AuthStylePost:
		return oauth2.AuthStyleInParams
	case cfg.AuthStyle == AuthStyleBasic:
		return oauth2.AuthStyleInHeader
	case len(md.TokenEndpointAuthMethods) > 0 &&
		!slices.Contains(md.TokenEndpointAuthMethods, "client_secret_basic") &&
		slices.Contains(md.TokenEndpointAuthMethods, "client_secret_post"):
		return oauth2.AuthStyleInParams
	default:
		return oauth2.AuthStyleInHeader
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
