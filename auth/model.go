package auth

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const redacted = "[REDACTED]"

// Role is the application role granted to a user.
type Role int

// Roles ordered by privilege.
const (
	RoleUnauthenticated Role = iota
	RoleStandardUser
	RoleAdministrator
)

func (r Role) String() string {
	switch r {
	case RoleStandardUser:
		return "standard_user"
	case RoleAdministrator:
		return "administrator"
	default:
		return "unauthenticated"
	}
}

// MarshalText renders the role name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole accepts the canonical role names plus a few short aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unauthenticated", "none", "":
		return RoleUnauthenticated, nil
	case "standard_user", "standard", "user":
		return RoleStandardUser, nil
	case "administrator", "admin":
		return RoleAdministrator, nil
	default:
		return RoleUnauthenticated, fmt.Errorf("unknown role %q", s)
	}
}

// Secret holds a credential that must never be printed.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalYAML never writes the secret back out.
func (s Secret) MarshalYAML() (any, error) { return "", nil }

// MarshalJSON never writes the secret back out.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`""`), nil }

// Reveal returns the raw secret for use on the wire.
func (s Secret) Reveal() string { return string(s) }

// Token endpoint client authentication styles.
const (
	AuthStyleAuto  = ""
	AuthStyleBasic = "basic"
	AuthStylePost  = "post"
)

// OAuthConfig is the relying-party registration used for every login.
type OAuthConfig struct {
	ClientID     string
	ClientSecret Secret
	IssuerURL    string
	RedirectURI  string
	Scopes       []string
	AuthStyle    string
}

// LogValue omits the client secret.
func (c OAuthConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", c.ClientID),
		slog.String("issuer_url", c.IssuerURL),
		slog.String("redirect_uri", c.RedirectURI),
		slog.Any("scopes", c.Scopes),
	)
}

// Metadata is the subset of the provider discovery document the login flow
// uses. Values returned by the Resolver are shared and must not be modified.
type Metadata struct {
	Issuer                        string
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	UserinfoEndpoint              string
	EndSessionEndpoint            string
	RevocationEndpoint            string
	ScopesSupported               []string
	CodeChallengeMethodsSupported []string
	TokenEndpointAuthMethods      []string

	provider *oidc.Provider
}

// SupportsPKCE reports whether the provider advertises S256 challenges.
func (m *Metadata) SupportsPKCE() bool {
	return slices.Contains(m.CodeChallengeMethodsSupported, "S256")
}

// TokenResponse is the result of a code exchange or refresh. It is held in
// memory by a single Manager and redacts itself in every printed form.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string
	IDToken      string
	IssuedAt     time.Time

	idSubject string
	idNonce   string
	idClaims  []byte
}

// ExpiresAt is the instant the access token stops being valid.
func (t *TokenResponse) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// Expired reports whether the token lifetime has elapsed at now.
func (t *TokenResponse) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

func (t TokenResponse) String() string { return "TokenResponse{" + redacted + "}" }

// GoString keeps %#v from printing the token.
func (t TokenResponse) GoString() string { return t.String() }

// LogValue exposes only non-secret token attributes.
func (t TokenResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Duration("expires_in", t.ExpiresIn),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
		slog.Bool("has_id_token", t.IDToken != ""),
	)
}

func (t *TokenResponse) wipe() {
	t.AccessToken = ""
	t.RefreshToken = ""
	t.IDToken = ""
	t.TokenType = ""
	t.ExpiresIn = 0
	t.IssuedAt = time.Time{}
	t.idSubject = ""
	t.idNonce = ""
	clear(t.idClaims)
	t.idClaims = nil
}

// UserClaims is the normalized identity returned by the userinfo endpoint.
type UserClaims struct {
	Subject           string   `json:"sub"`
	Name              string   `json:"name,omitempty"`
	Email             string   `json:"email,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Groups            []string `json:"groups"`
}

// HasGroup reports membership in group.
func (c *UserClaims) HasGroup(group string) bool {
	_, found := slices.BinarySearch(c.Groups, group)
	return found
}

// DisplayName picks the most readable identifier available.
func (c *UserClaims) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		return c.Email
	default:
		return c.Subject
	}
}

func (c *UserClaims) clone() UserClaims {
	out := *c
	out.Groups = slices.Clone(c.Groups)
	return out
}

func (c *UserClaims) wipe() {
	clear(c.Groups)
	*c = UserClaims{}
}
