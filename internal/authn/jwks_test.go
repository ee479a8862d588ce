package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtv4 "github.com/golang-jwt/jwt/v4"
)

func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	set := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": kid,
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwtv4.MapClaims) string {
	t.Helper()
	tok := jwtv4.NewWithClaims(jwtv4.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	srv := jwksServer(t, "k1", &key.PublicKey)

	v, err := NewJWKSVerifier(srv.URL, "portal", "chat")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer v.Close()

	claims := func(aud string) jwtv4.MapClaims {
		return jwtv4.MapClaims{
			"sub": "user-1",
			"iss": "portal",
			"aud": aud,
			"exp": time.Now().Add(time.Minute).Unix(),
		}
	}
	ctx := context.Background()

	sub, err := v.Verify(ctx, signRS256(t, key, "k1", claims("chat")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "user-1" {
		t.Fatalf("expected subject user-1, got %q", sub)
	}

	if _, err := v.Verify(ctx, signRS256(t, key, "k1", claims("billing"))); !errors.Is(err, ErrAudience) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
	noAud := claims("chat")
	delete(noAud, "aud")
	if _, err := v.Verify(ctx, signRS256(t, key, "k1", noAud)); !errors.Is(err, ErrAudience) {
		t.Fatalf("expected missing audience to be rejected, got %v", err)
	}
	if _, err := v.Verify(ctx, signRS256(t, key, "k2", claims("chat"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unknown kid to be rejected, got %v", err)
	}

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	if _, err := v.Verify(ctx, signRS256(t, other, "k1", claims("chat"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign signature to be rejected, got %v", err)
	}
}

func TestJWKSVerifierWithoutAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	srv := jwksServer(t, "k1", &key.PublicKey)
	v, err := NewJWKSVerifier(srv.URL, "", "")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer v.Close()

	tok := signRS256(t, key, "k1", jwtv4.MapClaims{"sub": "user-2", "exp": time.Now().Add(time.Minute).Unix()})
	if sub, err := v.Verify(context.Background(), tok); err != nil || sub != "user-2" {
		t.Fatalf("expected user-2, got %q %v", sub, err)
	}
}
