package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"docgate/auth"
)

// Identity headers forwarded to the Q&A backend. Anything arriving from the
// browser under this prefix is dropped first.
const (
	identityHeaderPrefix = "X-Docgate-"
	headerSubject        = "X-Docgate-Subject"
	headerEmail          = "X-Docgate-Email"
	headerName           = "X-Docgate-Name"
	headerRole           = "X-Docgate-Role"
	headerGroups         = "X-Docgate-Groups"
)

// IdentityLookup resolves the signed-in user for a request.
type IdentityLookup interface {
	Identify(r *http.Request) (*auth.UserClaims, auth.Role)
}

// ProxyManager forwards gated requests to the backend by path prefix.
type ProxyManager struct {
	routes   []*proxyRoute
	identity IdentityLookup
	metrics  *Metrics
	logger   *slog.Logger
	// scheme is the public scheme of the gate, forwarded when the request
	// itself did not arrive over TLS.
	scheme string
}

type proxyRoute struct {
	prefix       string
	proxy        *httputil.ReverseProxy
	requiredRole auth.Role
}

type forwardedIdentityKey struct{}

type forwardedIdentity struct {
	user *auth.UserClaims
	role auth.Role
}

// NewProxyManager creates a proxy manager from configuration.
func NewProxyManager(cfg ProxyConfig, identity IdentityLookup, metrics *Metrics, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{
		identity: identity,
		metrics:  metrics,
		logger:   logger.With("component", "proxy"),
	}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.PathPrefix, err)
		}
	}

	// Longest prefix wins.
	sort.SliceStable(pm.routes, func(i, j int) bool {
		return len(pm.routes[i].prefix) > len(pm.routes[j].prefix)
	})
	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.PathPrefix == "" || !strings.HasPrefix(cfg.PathPrefix, "/") {
		return fmt.Errorf("path_prefix must start with /")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	role := auth.RoleStandardUser
	if cfg.RequiredRole != "" {
		role, err = auth.ParseRole(cfg.RequiredRole)
		if err != nil {
			return err
		}
		if role == auth.RoleUnauthenticated {
			return fmt.Errorf("required_role must grant access to a signed-in role")
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	prefix := strings.TrimSuffix(cfg.PathPrefix, "/")
	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport
	proxy.FlushInterval = -1

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		if cfg.StripPrefix && prefix != "" {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.URL.RawPath = ""
		}

		originalDirector(req)

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		// Session credentials stay at the gate.
		req.Header.Del("Authorization")
		req.Header.Del("Cookie")
		for name := range req.Header {
			if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
				req.Header.Del(name)
			}
		}
		if id, ok := req.Context().Value(forwardedIdentityKey{}).(forwardedIdentity); ok && id.user != nil {
			req.Header.Set(headerSubject, id.user.Subject)
			req.Header.Set(headerRole, id.role.String())
			if id.user.Email != "" {
				req.Header.Set(headerEmail, id.user.Email)
			}
			if name := id.user.DisplayName(); name != "" {
				req.Header.Set(headerName, name)
			}
			if len(id.user.Groups) > 0 {
				req.Header.Set(headerGroups, strings.Join(id.user.Groups, ","))
			}
		}

		req.Header.Set("X-Forwarded-Proto", pm.forwardedProto(req))
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"route", cfg.PathPrefix,
			"target", targetURL.Host,
			"path", r.URL.Path,
			"error", err,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	pm.routes = append(pm.routes, &proxyRoute{
		prefix:       prefix,
		proxy:        proxy,
		requiredRole: role,
	})
	pm.logger.Info("proxy route added",
		"path_prefix", cfg.PathPrefix,
		"target", targetURL.Host,
		"required_role", role.String(),
	)
	return nil
}

// HasRoutes reports whether any backend route is configured.
func (pm *ProxyManager) HasRoutes() bool {
	return len(pm.routes) > 0
}

func (pm *ProxyManager) match(path string) *proxyRoute {
	for _, route := range pm.routes {
		if route.prefix == "" || path == route.prefix || strings.HasPrefix(path, route.prefix+"/") {
			return route
		}
	}
	return nil
}

// ServeHTTP enforces the route's role and forwards the request.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := pm.match(r.URL.Path)
	if route == nil {
		http.NotFound(w, r)
		return
	}
	label := route.prefix
	if label == "" {
		label = "/"
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if pm.metrics != nil {
			pm.metrics.proxied(label, rec.status)
		}
	}()

	user, role := pm.identity.Identify(r)
	switch {
	case user == nil || role == auth.RoleUnauthenticated:
		if wantsHTML(r) {
			http.Redirect(rec, r, "/login?return_to="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		rec.Header().Set("WWW-Authenticate", `Cookie realm="docgate"`)
		http.Error(rec, "Unauthorized", http.StatusUnauthorized)
		return
	case role < route.requiredRole:
		pm.logger.Info("insufficient role",
			"route", label,
			"subject", user.Subject,
			"role", role.String(),
			"required", route.requiredRole.String(),
		)
		http.Error(rec, "Forbidden", http.StatusForbidden)
		return
	}

	ctx := context.WithValue(r.Context(), forwardedIdentityKey{}, forwardedIdentity{user: user, role: role})
	pm.logger.Debug("proxying request", "route", label, "path", r.URL.Path, "method", r.Method)
	route.proxy.ServeHTTP(rec, r.WithContext(ctx))
}

// wantsHTML reports whether the request is a top-level browser navigation
// that can follow a redirect to the login page.
func wantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// forwardedProto never trusts the client's X-Forwarded-Proto.
func (pm *ProxyManager) forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if pm.scheme != "" {
		return pm.scheme
	}
	return "http"
}
