package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"docgate/auth"
)

// Session and provider defaults.
const (
	DefaultSessionTTL       = 12 * time.Hour
	DefaultPendingLoginTTL  = 10 * time.Minute
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultProxyTimeout     = 30 * time.Second
	DefaultSessionCookie    = "docgate_session"
	minCookieSecretLength   = 32
	defaultRefreshThreshold = 2 * time.Minute
)

// Paths served by the gateway itself; proxy routes may not shadow them.
var reservedPaths = []string{"/login", "/callback", "/logout", "/session", "/healthz", "/metrics"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	OIDC          OIDCConfig          `yaml:"oidc"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Sessions      SessionConfig       `yaml:"sessions"`
	Proxy         ProxyConfig         `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url" validate:"required,url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	// MetricsListenAddr serves /metrics on its own listener. When empty the
	// gate serves it to administrators only.
	MetricsListenAddr string    `yaml:"metrics_listen_addr,omitempty"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	SecretsPath       string    `yaml:"secrets_path"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" validate:"dive,hostname"`
	Email      string   `yaml:"email" validate:"omitempty,email"`
	MinVersion string   `yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	HSTSMaxAge int      `yaml:"hsts_max_age" validate:"gte=0"`
}

// OIDCConfig is the relying-party registration at the identity provider.
type OIDCConfig struct {
	IssuerURL            string        `yaml:"issuer_url" validate:"required,url"`
	TenantID             string        `yaml:"tenant_id,omitempty"`
	ClientID             string        `yaml:"client_id" validate:"required"`
	ClientSecret         auth.Secret   `yaml:"client_secret,omitempty"`
	RedirectURI          string        `yaml:"redirect_uri,omitempty" validate:"omitempty,url"`
	Scopes               []string      `yaml:"scopes"`
	TokenAuthStyle       string        `yaml:"token_auth_style,omitempty" validate:"omitempty,oneof=basic post"`
	GroupsClaim          string        `yaml:"groups_claim"`
	NameClaims           []string      `yaml:"name_claims,omitempty"`
	EmailClaims          []string      `yaml:"email_claims,omitempty"`
	DefaultTokenLifetime time.Duration `yaml:"default_token_lifetime" validate:"gte=0"`
	RefreshTokens        bool          `yaml:"refresh_tokens"`
	HTTPTimeout          time.Duration `yaml:"http_timeout" validate:"gte=0"`
}

// AuthorizationConfig maps identity provider groups to application roles.
type AuthorizationConfig struct {
	AdministratorGroups []string `yaml:"administrator_groups" validate:"dive,required"`
	StandardGroups      []string `yaml:"standard_groups" validate:"dive,required"`
}

// SessionConfig controls the browser session cookie.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl" validate:"gte=0"`
	PendingTTL   time.Duration `yaml:"pending_ttl" validate:"gte=0"`
	CookieName   string        `yaml:"cookie_name"`
	CookieSecret auth.Secret   `yaml:"cookie_secret,omitempty"`
}

// ProxyConfig defines the role-gated routes to the Q&A backend.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes" validate:"dive"`
}

// ProxyRoute maps a path prefix to a backend target.
type ProxyRoute struct {
	PathPrefix         string        `yaml:"path_prefix" validate:"required,startswith=/"`
	Target             string        `yaml:"target" validate:"required,url"`
	RequiredRole       string        `yaml:"required_role" validate:"omitempty,oneof=standard_user administrator"`
	StripPrefix        bool          `yaml:"strip_prefix"`
	PreserveHost       bool          `yaml:"preserve_host"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// LoadEnvFile loads secrets from a dotenv file into the process environment.
// Variables already set win. A missing file is ignored unless required.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		OIDC: OIDCConfig{
			Scopes:               []string{"openid", "profile", "email"},
			GroupsClaim:          "groups",
			DefaultTokenLifetime: auth.DefaultTokenLifetime,
			HTTPTimeout:          DefaultHTTPTimeout,
		},
		Sessions: SessionConfig{
			TTL:        DefaultSessionTTL,
			PendingTTL: DefaultPendingLoginTTL,
			CookieName: DefaultSessionCookie,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"DOCGATE_SERVER_PUBLIC_URL":             func(v string) { cfg.Server.PublicURL = v },
		"DOCGATE_SERVER_DEV_LISTEN_ADDR":        func(v string) { cfg.Server.DevListenAddr = v },
		"DOCGATE_SERVER_HTTP_LISTEN_ADDR":       func(v string) { cfg.Server.HTTPListenAddr = v },
		"DOCGATE_SERVER_HTTPS_LISTEN_ADDR":      func(v string) { cfg.Server.HTTPSListenAddr = v },
		"DOCGATE_SERVER_METRICS_LISTEN_ADDR":    func(v string) { cfg.Server.MetricsListenAddr = v },
		"DOCGATE_SERVER_DEV_MODE":               func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"DOCGATE_SERVER_TLS_DOMAINS":            func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"DOCGATE_SERVER_TLS_EMAIL":              func(v string) { cfg.Server.TLS.Email = v },
		"DOCGATE_SERVER_SECRETS_PATH":           func(v string) { cfg.Server.SecretsPath = v },
		"DOCGATE_OIDC_ISSUER_URL":               func(v string) { cfg.OIDC.IssuerURL = v },
		"DOCGATE_OIDC_TENANT_ID":                func(v string) { cfg.OIDC.TenantID = v },
		"DOCGATE_OIDC_CLIENT_ID":                func(v string) { cfg.OIDC.ClientID = v },
		"DOCGATE_OIDC_CLIENT_SECRET":            func(v string) { cfg.OIDC.ClientSecret = auth.Secret(v) },
		"DOCGATE_OIDC_REDIRECT_URI":             func(v string) { cfg.OIDC.RedirectURI = v },
		"DOCGATE_OIDC_SCOPES":                   func(v string) { cfg.OIDC.Scopes = splitAndTrim(v) },
		"DOCGATE_OIDC_GROUPS_CLAIM":             func(v string) { cfg.OIDC.GroupsClaim = v },
		"DOCGATE_OIDC_REFRESH_TOKENS":           func(v string) { cfg.OIDC.RefreshTokens = parseBool(v, cfg.OIDC.RefreshTokens) },
		"DOCGATE_OIDC_HTTP_TIMEOUT":             func(v string) { cfg.OIDC.HTTPTimeout = parseDuration(v, cfg.OIDC.HTTPTimeout) },
		"DOCGATE_AUTHORIZATION_ADMIN_GROUPS":    func(v string) { cfg.Authorization.AdministratorGroups = splitAndTrim(v) },
		"DOCGATE_AUTHORIZATION_STANDARD_GROUPS": func(v string) { cfg.Authorization.StandardGroups = splitAndTrim(v) },
		"DOCGATE_SESSIONS_TTL":                  func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"DOCGATE_SESSIONS_COOKIE_SECRET":        func(v string) { cfg.Sessions.CookieSecret = auth.Secret(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	if c.OIDC.RedirectURI == "" && c.Server.PublicURL != "" {
		c.OIDC.RedirectURI = strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
	}
	if c.Sessions.CookieName == "" {
		c.Sessions.CookieName = DefaultSessionCookie
	}
	if c.OIDC.GroupsClaim == "" {
		c.OIDC.GroupsClaim = "groups"
	}
}

// Issuer returns the effective issuer, substituting the Entra tenant when one
// is configured.
func (c OIDCConfig) Issuer() string {
	if resolved, ok := resolveAzureTenantIssuer(c.IssuerURL, c.TenantID); ok {
		return resolved
	}
	return c.IssuerURL
}

// OAuthConfig converts the section to the login flow's client registration.
func (c OIDCConfig) OAuthConfig() auth.OAuthConfig {
	return auth.OAuthConfig{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		IssuerURL:    c.Issuer(),
		RedirectURI:  c.RedirectURI,
		Scopes:       c.Scopes,
		AuthStyle:    c.TokenAuthStyle,
	}
}

// ClaimMapping converts the claim settings, keeping defaults for unset lists.
func (c OIDCConfig) ClaimMapping() auth.ClaimMapping {
	m := auth.DefaultClaimMapping()
	if c.GroupsClaim != "" {
		m.GroupsClaim = c.GroupsClaim
	}
	if len(c.NameClaims) > 0 {
		m.NameClaims = c.NameClaims
	}
	if len(c.EmailClaims) > 0 {
		m.EmailClaims = c.EmailClaims
	}
	return m
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			field := strings.TrimPrefix(first.Namespace(), "Config.")
			slog.Error("Invalid configuration value", "field", field, "rule", first.Tag())
			return fmt.Errorf("%s fails %q validation", field, first.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided in production")
		}
		if !strings.HasPrefix(c.OIDC.Issuer(), "https://") {
			slog.Error("Insecure issuer in production mode", "field", "oidc.issuer_url")
			return errors.New("oidc.issuer_url must use https in production")
		}
		if len(c.Sessions.CookieSecret) < minCookieSecretLength {
			slog.Error("Session cookie secret too short", "field", "sessions.cookie_secret", "min_length", minCookieSecretLength)
			return fmt.Errorf("sessions.cookie_secret must be at least %d bytes in production", minCookieSecretLength)
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if len(c.Authorization.AdministratorGroups) == 0 && len(c.Authorization.StandardGroups) == 0 {
		slog.Error("No groups mapped to a role", "fields", []string{"authorization.administrator_groups", "authorization.standard_groups"})
		return errors.New("authorization: at least one administrator or standard group is required")
	}

	seen := map[string]bool{}
	for i, route := range c.Proxy.Routes {
		prefix := strings.TrimSuffix(route.PathPrefix, "/")
		for _, reserved := range reservedPaths {
			if prefix == reserved || strings.HasPrefix(prefix, reserved+"/") {
				slog.Error("Proxy route shadows the gateway", "index", i, "path_prefix", route.PathPrefix, "reserved", reserved)
				return fmt.Errorf("proxy.routes[%d]: path_prefix %q conflicts with %s", i, route.PathPrefix, reserved)
			}
		}
		if seen[prefix] {
			slog.Error("Duplicate proxy route", "index", i, "path_prefix", route.PathPrefix)
			return fmt.Errorf("proxy.routes[%d]: duplicate path_prefix %q", i, route.PathPrefix)
		}
		seen[prefix] = true
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			slog.Error("Invalid proxy target URL", "path_prefix", route.PathPrefix, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.PathPrefix, route.Target)
		}
	}

	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
