package authn

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues HS256 access tokens. chatd never issues tokens itself; the
// signer backs chatctl and tests.
type Signer struct {
	secret   []byte
	Issuer   string
	Audience string
	now      func() time.Time
}

func NewSigner(secret, issuer, audience string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("authn: hs256 secret must be at least 16 bytes")
	}
	return &Signer{secret: []byte(secret), Issuer: issuer, Audience: audience, now: time.Now}, nil
}

// Sign issues a token for sub with ttl and extra claims.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := s.now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	m["sub"] = sub
	m["iat"] = now.Unix()
	m["exp"] = now.Add(ttl).Unix()
	if s.Issuer != "" {
		m["iss"] = s.Issuer
	}
	if s.Audience != "" {
		m["aud"] = s.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, m).SignedString(s.secret)
}
