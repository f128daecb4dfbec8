package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"
)

const wellKnownSuffix = "/.well-known/openid-configuration"

// Resolver fetches provider discovery documents and caches them for the
// lifetime of the process. It is safe for concurrent use.
type Resolver struct {
	client *http.Client
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Metadata
	group singleflight.Group
}

// NewResolver returns a Resolver using client for discovery requests. A nil
// client falls back to one with a 10 second timeout.
func NewResolver(client *http.Client, logger *slog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: client,
		logger: logger.With("component", "metadata"),
		cache:  make(map[string]*Metadata),
	}
}

// Resolve returns the discovery metadata for issuerURL. The first successful
// result is cached; later calls return the same value without a network round
// trip. Failures are not cached and not retried.
func (r *Resolver) Resolve(ctx context.Context, issuerURL string) (*Metadata, error) {
	issuer := normalizeIssuer(issuerURL)
	if issuer == "" {
		return nil, configError("issuer url is empty")
	}

	if md := r.cached(issuer); md != nil {
		return md, nil
	}

	// The shared fetch outlives any single caller; the client timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(issuer, func() (any, error) {
		if md := r.cached(issuer); md != nil {
			return md, nil
		}
		md, err := r.fetch(fetchCtx, issuer)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[issuer] = md
		r.mu.Unlock()
		return md, nil
	})

	select {
	case <-ctx.Done():
		return nil, networkError("discovery", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Metadata), nil
	}
}

func (r *Resolver) cached(issuer string) *Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[issuer]
}

func (r *Resolver) fetch(ctx context.Context, issuer string) (*Metadata, error) {
	r.logger.Info("fetching discovery document", "issuer", issuer)

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, r.client), issuer)
	if err != nil {
		if isTransportError(err) {
			r.logger.Error("discovery fetch failed", "issuer", issuer, "error", err)
			return nil, networkError("discovery", err)
		}
		r.logger.Error("discovery document rejected", "issuer", issuer, "error", err)
		return nil, configError("discover %s: %v", issuer, err)
	}

	var doc struct {
		Issuer                        string   `json:"issuer"`
		AuthorizationEndpoint         string   `json:"authorization_endpoint"`
		TokenEndpoint                 string   `json:"token_endpoint"`
		UserinfoEndpoint              string   `json:"userinfo_endpoint"`
		EndSessionEndpoint            string   `json:"end_session_endpoint"`
		RevocationEndpoint            string   `json:"revocation_endpoint"`
		ScopesSupported               []string `json:"scopes_supported"`
		CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
		TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	}
	if err := op.Claims(&doc); err != nil {
		return nil, configError("parse discovery document: %v", err)
	}

	missing := []string{}
	if doc.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if doc.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if doc.UserinfoEndpoint == "" {
		missing = append(missing, "userinfo_endpoint")
	}
	if len(missing) > 0 {
		return nil, configError("discovery document for %s missing %s", issuer, strings.Join(missing, ", "))
	}

	md := &Metadata{
		Issuer:                        doc.Issuer,
		AuthorizationEndpoint:         doc.AuthorizationEndpoint,
		TokenEndpoint:                 doc.TokenEndpoint,
		UserinfoEndpoint:              doc.UserinfoEndpoint,
		EndSessionEndpoint:            doc.EndSessionEndpoint,
		RevocationEndpoint:            doc.RevocationEndpoint,
		ScopesSupported:               doc.ScopesSupported,
		CodeChallengeMethodsSupported: doc.CodeChallengeMethodsSupported,
		TokenEndpointAuthMethods:      doc.TokenEndpointAuthMethods,
		provider:                      op,
	}

	r.logger.Info("discovery document cached",
		"issuer", md.Issuer,
		"authorization_endpoint", md.AuthorizationEndpoint,
		"token_endpoint", md.TokenEndpoint,
		"userinfo_endpoint", md.UserinfoEndpoint,
		"end_session", md.EndSessionEndpoint != "",
	)
	return md, nil
}

// normalizeIssuer accepts either the issuer or its full well-known URL.
func normalizeIssuer(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), wellKnownSuffix)
}

// String is used in error messages only.
func (m *Metadata) String() string {
	return fmt.Sprintf("Metadata{issuer=%s}", m.Issuer)
}
