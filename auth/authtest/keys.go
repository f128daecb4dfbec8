package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// signer holds the RSA key the fake provider signs id_tokens with.
type signer struct {
	mu  sync.RWMutex
	key *rsa.PrivateKey
	jwk jose.JSONWebKey
	kid string
}

func newSigner() (*signer, error) {
	s := &signer{}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *signer) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	kid := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.kid = kid
	s.jwk = jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	return nil
}

func (s *signer) sign(claims jwt.MapClaims) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

func (s *signer) publicJWKS() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk.Public()}}
}

func idTokenClaims(issuer, clientID, subject, nonce string, now time.Time, ttl time.Duration, extra map[string]any) jwt.MapClaims {
	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["iss"] = issuer
	claims["sub"] = subject
	claims["aud"] = clientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return claims
}
