package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors for the login flow. Every error returned by this package
// matches exactly one of them via errors.Is.
var (
	// ErrConfiguration is returned for missing or malformed configuration or
	// discovery metadata. It is fatal at startup.
	ErrConfiguration = errors.New("oidc configuration error")

	// ErrNetwork is returned when the identity provider cannot be reached.
	ErrNetwork = errors.New("identity provider unreachable")

	// ErrAuthExchange is returned when the identity provider rejects a code or token.
	ErrAuthExchange = errors.New("login failed")

	// ErrAuthorizationDenied is returned when login succeeded but no configured
	// group grants a role.
	ErrAuthorizationDenied = errors.New("not authorized")
)

// Reason classifies an AuthExchangeError.
type Reason string

// Exchange failure reasons.
const (
	ReasonInvalidGrant    Reason = "invalid_grant"
	ReasonInvalidToken    Reason = "invalid_token"
	ReasonStateMismatch   Reason = "state_mismatch"
	ReasonProviderError   Reason = "provider_error"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonInvalidIDToken  Reason = "invalid_id_token"
)

// AuthExchangeError reports an identity provider rejection. Code carries the
// OAuth2 error code when the provider returned one. It never carries token
// material.
type AuthExchangeError struct {
	Reason Reason
	Code   string
	Err    error
}

func (e *AuthExchangeError) Error() string {
	msg := "login failed: " + string(e.Reason)
	if e.Code != "" && e.Code != string(e.Reason) {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports ErrAuthExchange as the sentinel for every AuthExchangeError.
func (e *AuthExchangeError) Is(target error) bool {
	return target == ErrAuthExchange
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

func exchangeError(reason Reason, code string, err error) error {
	return &AuthExchangeError{Reason: reason, Code: code, Err: err}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func networkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

// isTransportError reports whether err came from the transport rather than
// from an HTTP response.
func isTransportError(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsReason reports whether err is an AuthExchangeError with the given reason.
func IsReason(err error, reason Reason) bool {
	var aerr *AuthExchangeError
	return errors.As(err, &aerr) && aerr.Reason == reason
}
