package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	"docgate/auth"
)

// BrowserSession binds one browser cookie to its login state machine.
type BrowserSession struct {
	ID        string
	Manager   *auth.Manager
	CreatedAt time.Time

	mu       sync.Mutex
	returnTo string
	retired  atomic.Bool
}

// SetReturnTo remembers where to send the browser after login.
func (s *BrowserSession) SetReturnTo(path string) {
	s.mu.Lock()
	s.returnTo = path
	s.mu.Unlock()
}

// TakeReturnTo returns and clears the post-login destination.
func (s *BrowserSession) TakeReturnTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.returnTo
	s.returnTo = ""
	return p
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionStore keeps browser sessions in memory, keyed by an opaque id carried
// in an HMAC-signed cookie. Tokens never leave the process.
type SessionStore struct {
	flow         *auth.Flow
	cache        *gocache.Cache
	logger       *slog.Logger
	ttl          time.Duration
	cookieName   string
	cookieDomain string
	issuer       string
	secure       bool
	sameSite     http.SameSite
	key          []byte
}

// NewSessionStore constructs a session store honouring config.
func NewSessionStore(cfg Config, flow *auth.Flow, logger *slog.Logger) (*SessionStore, error) {
	key := []byte(cfg.Sessions.CookieSecret.Reveal())
	if len(key) == 0 {
		if !cfg.Server.DevMode {
			return nil, errors.New("sessions.cookie_secret is required in production")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate cookie key: %w", err)
		}
		logger.Warn("sessions.cookie_secret not set, using an ephemeral key; sessions end on restart")
	}

	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	sameSite := http.SameSiteLaxMode
	secure := !cfg.Server.DevMode

	s := &SessionStore{
		flow:         flow,
		cache:        gocache.New(ttl, time.Minute),
		logger:       logger.With("component", "sessions"),
		ttl:          ttl,
		cookieName:   cfg.Sessions.CookieName,
		cookieDomain: cfg.Server.CookieDomain,
		issuer:       strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		secure:       secure,
		sameSite:     sameSite,
		key:          key,
	}
	if s.cookieName == "" {
		s.cookieName = DefaultSessionCookie
	}
	s.cache.OnEvicted(func(id string, v any) {
		sess, ok := v.(*BrowserSession)
		if !ok || sess.retired.Load() {
			return
		}
		sess.Manager.Discard()
		s.logger.Debug("browser session evicted")
	})
	return s, nil
}

// Fetch returns the session associated with the request cookie if present.
func (s *SessionStore) Fetch(r *http.Request) (*BrowserSession, bool) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	id, err := s.parseCookie(cookie.Value)
	if err != nil {
		s.logger.Debug("rejected session cookie", "error", err)
		return nil, false
	}
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	sess := v.(*BrowserSession)

	// Sliding expiration: extend on activity.
	s.cache.Set(id, sess, s.ttl)
	return sess, true
}

// Ensure returns the current session, creating one and setting the cookie
// when the request has none.
func (s *SessionStore) Ensure(w http.ResponseWriter, r *http.Request) (*BrowserSession, error) {
	if sess, ok := s.Fetch(r); ok {
		return sess, nil
	}
	return s.create(w, s.flow.NewManager())
}

// Rotate moves an existing session to a fresh id, so the identifier used
// before login is never the one that carries the authenticated state.
func (s *SessionStore) Rotate(w http.ResponseWriter, sess *BrowserSession) (*BrowserSession, error) {
	next, err := s.create(w, sess.Manager)
	if err != nil {
		return nil, err
	}
	next.returnTo = sess.TakeReturnTo()
	sess.retired.Store(true)
	s.cache.Delete(sess.ID)
	return next, nil
}

// Destroy forgets the session and clears the cookie.
func (s *SessionStore) Destroy(w http.ResponseWriter, sess *BrowserSession) {
	if sess != nil {
		s.cache.Delete(sess.ID)
	}
	s.Clear(w)
}

// Count reports the number of live browser sessions.
func (s *SessionStore) Count() int {
	return s.cache.ItemCount()
}

// Clear removes the session cookie for logout.
func (s *SessionStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
		MaxAge:   -1,
	})
}

func (s *SessionStore) create(w http.ResponseWriter, m *auth.Manager) (*BrowserSession, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	value, err := s.signCookie(id, now)
	if err != nil {
		return nil, err
	}

	sess := &BrowserSession{ID: id, Manager: m, CreatedAt: now}
	s.cache.Set(id, sess, s.ttl)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
	})
	return sess, nil
}

// signCookie wraps the session id in an HS256 token. The cookie itself is a
// browser-session cookie; the server side TTL decides how long it is honoured.
func (s *SessionStore) signCookie(id string, now time.Time) (string, error) {
	claims := sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:       id,
		Issuer:   s.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return signed, nil
}

func (s *SessionStore) parseCookie(value string) (string, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(value, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer), jwt.WithIssuedAt())
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("session cookie has no id")
	}
	return claims.ID, nil
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
