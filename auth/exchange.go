package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultTokenLifetime applies when the provider omits expires_in.
const DefaultTokenLifetime = time.Hour

// Exchanger performs token endpoint calls. Transport failures during a code
// exchange are retried once; provider rejections never are.
type Exchanger struct {
	client          *http.Client
	logger          *slog.Logger
	retryDelay      time.Duration
	defaultLifetime time.Duration
	now             func() time.Time
}

// ExchangerOption customizes an Exchanger.
type ExchangerOption func(*Exchanger)

// WithRetryDelay sets the wait before the single transport retry.
func WithRetryDelay(d time.Duration) ExchangerOption {
	return func(e *Exchanger) { e.retryDelay = d }
}

// WithDefaultTokenLifetime sets the lifetime assumed when expires_in is absent.
func WithDefaultTokenLifetime(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d > 0 {
			e.defaultLifetime = d
		}
	}
}

// WithExchangerClock overrides time.Now.
func WithExchangerClock(now func() time.Time) ExchangerOption {
	return func(e *Exchanger) { e.now = now }
}

// NewExchanger builds an Exchanger that talks to the provider through client.
func NewExchanger(client *http.Client, logger *slog.Logger, opts ...ExchangerOption) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exchanger{
		client:          client,
		logger:          logger.With("component", "exchange"),
		retryDelay:      500 * time.Millisecond,
		defaultLifetime: DefaultTokenLifetime,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchanger) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.client)
}

// Exchange trades an authorization code for tokens. pending supplies the PKCE
// verifier and the nonce expected in the id_token.
func (e *Exchanger) Exchange(ctx context.Context, code string, pending *AuthorizationRequest, cfg OAuthConfig, md *Metadata) (*TokenResponse, error) {
	if code == "" {
		return nil, exchangeError(ReasonInvalidGrant, "", errors.New("empty authorization code"))
	}
	if pending == nil {
		pending = &AuthorizationRequest{}
	}

	var opts []oauth2.AuthCodeOption
	if pending.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pending.CodeVerifier))
	}
	o2 := oauth2Config(cfg, md)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryDelay
	b.MaxInterval = e.retryDelay
	b.Reset()

	attempt := 0
	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attempt++
		tok, err := o2.Exchange(e.context(ctx), code, opts...)
		if err == nil {
			return tok, nil
		}
		if isTransportError(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, d time.Duration) {
			e.logger.Warn("token exchange transport failure, retrying", "attempt", attempt, "retry_in", d, "error", err)
		}),
	)
	if err != nil {
		return nil, e.classify("token exchange", err)
	}

	resp, err := e.tokenResponse(ctx, tok, cfg, md)
	if err != nil {
		return nil, err
	}
	if resp.IDToken != "" && pending.Nonce != "" {
		if err := checkNonce(resp, pending.Nonce); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("token exchange succeeded", "token", resp, "attempts", attempt)
	return resp, nil
}

// Refresh redeems a refresh token. It is never retried.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string, cfg OAuthConfig, md *Metadata) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, exchangeError(ReasonInvalidGrant, "", errors.New("no refresh token"))
	}
	src := oauth2Config(cfg, md).TokenSource(e.context(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, e.classify("token refresh", err)
	}
	resp, err := e.tokenResponse(ctx, tok, cfg, md)
	if err != nil {
		return nil, err
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

func (e *Exchanger) classify(op string, err error) error {
	var rerr *oauth2.RetrieveError
	switch {
	case errors.As(err, &rerr):
		code := rerr.ErrorCode
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		e.logger.Warn(op+" rejected", "status", status, "error_code", code)
		reason := ReasonProviderError
		if code == "invalid_grant" {
			reason = ReasonInvalidGrant
		}
		return exchangeError(reason, code, fmt.Errorf("%s: status %d", op, status))
	case isTransportError(err):
		e.logger.Error(op+" failed", "error", err)
		return networkError(op, err)
	default:
		e.logger.Warn(op+" returned an unusable response", "error", err)
		return exchangeError(ReasonInvalidResponse, "", fmt.Errorf("%s: %w", op, err))
	}
}

func (e *Exchanger) tokenResponse(ctx context.Context, tok *oauth2.Token, cfg OAuthConfig, md *Metadata) (*TokenResponse, error) {
	issued := e.now()
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		IssuedAt:     issued,
		ExpiresIn:    e.defaultLifetime,
	}
	if d, ok := expiresIn(tok); ok {
		resp.ExpiresIn = d
	} else if !tok.Expiry.IsZero() {
		resp.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		resp.IDToken = raw
		if err := e.verifyIDToken(ctx, resp, cfg, md); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (e *Exchanger) verifyIDToken(ctx context.Context, resp *TokenResponse, cfg OAuthConfig, md *Metadata) error {
	if md.provider == nil {
		return exchangeError(ReasonInvalidIDToken, "", errors.New("no provider keys to verify id_token"))
	}
	verifier := md.provider.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: e.now})
	idt, err := verifier.Verify(oidc.ClientContext(ctx, e.client), resp.IDToken)
	if err != nil {
		e.logger.Warn("id_token verification failed", "error", err)
		return exchangeError(ReasonInvalidIDToken, "", fmt.Errorf("verify id_token: %w", err))
	}
	var raw json.RawMessage
	if err := idt.Claims(&raw); err != nil {
		return exchangeError(ReasonInvalidIDToken, "", fmt.Errorf("parse id_token claims: %w", err))
	}
	resp.idSubject = idt.Subject
	resp.idNonce = idt.Nonce
	resp.idClaims = raw
	return nil
}

// maxExpiresIn caps the token lifetime, in seconds, at one year.
const maxExpiresIn = 365 * 24 * 60 * 60

// expiresIn reads the raw expires_in value from the token response.
func expiresIn(tok *oauth2.Token) (time.Duration, bool) {
	var secs int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		secs = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		secs = n
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	if secs > maxExpiresIn {
		secs = maxExpiresIn
	}
	return time.Duration(secs) * time.Second, true
}

func checkNonce(resp *TokenResponse, expected string) error {
	if resp.idNonce != expected {
		return exchangeError(ReasonInvalidIDToken, "", errors.New("nonce mismatch"))
	}
	return nil
}
