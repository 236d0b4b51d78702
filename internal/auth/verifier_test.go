package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erauner12/chatbus/internal/errs"
)

const testKid = "test-key-1"

func newJWKSServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]string{{
			"kid": testKid,
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
}

func newTestVerifier(t *testing.T, audience string) (*Verifier, *rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	srv := newJWKSServer(t, &key.PublicKey)
	t.Cleanup(srv.Close)
	return NewVerifier(srv.URL, audience), key, srv.URL
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestVerifyValidToken(t *testing.T) {
	v, key, issuer := newTestVerifier(t, "chatbus")

	tok := signToken(t, key, testKid, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"chatbus"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})

	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %s", claims.Subject)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v, key, issuer := newTestVerifier(t, "chatbus")

	tok := signToken(t, key, testKid, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"chatbus"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})

	_, err := v.Verify(context.Background(), tok)
	if errs.CodeOf(err) != errs.CodeTokenExpired {
		t.Errorf("Expected TOKEN_EXPIRED, got %v", err)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v, key, issuer := newTestVerifier(t, "chatbus")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	hmac := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: issuer, Subject: "user-1", Audience: jwt.ClaimStrings{"chatbus"}, ExpiresAt: exp,
	})
	hmac.Header["kid"] = testKid
	hmacToken, err := hmac.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("failed to sign HMAC token: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong issuer", signToken(t, key, testKid, jwt.RegisteredClaims{
			Issuer: "https://evil.example.com", Subject: "user-1", Audience: jwt.ClaimStrings{"chatbus"}, ExpiresAt: exp,
		})},
		{"wrong audience", signToken(t, key, testKid, jwt.RegisteredClaims{
			Issuer: issuer, Subject: "user-1", Audience: jwt.ClaimStrings{"other-api"}, ExpiresAt: exp,
		})},
		{"no subject", signToken(t, key, testKid, jwt.RegisteredClaims{
			Issuer: issuer, Audience: jwt.ClaimStrings{"chatbus"}, ExpiresAt: exp,
		})},
		{"missing exp", signToken(t, key, testKid, jwt.RegisteredClaims{
			Issuer: issuer, Subject: "user-1", Audience: jwt.ClaimStrings{"chatbus"},
		})},
		{"unknown kid", signToken(t, key, "nonexistent-key", jwt.RegisteredClaims{
			Issuer: issuer, Subject: "user-1", Audience: jwt.ClaimStrings{"chatbus"}, ExpiresAt: exp,
		})},
		{"hmac signature", hmacToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if errs.CodeOf(err) != errs.CodeTokenInvalid {
				t.Errorf("Expected TOKEN_INVALID, got %v", err)
			}
		})
	}
}

func TestVerifyAudienceOptional(t *testing.T) {
	v, key, issuer := newTestVerifier(t, "")

	tok := signToken(t, key, testKid, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Expected token without audience to pass, got %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %s", claims.Subject)
	}
}

func TestVerifyTokenWithoutAudClaim(t *testing.T) {
	// Access-token shape: the configured audience applies only when the
	// token carries an aud claim at all.
	v, key, issuer := newTestVerifier(t, "chatbus")

	tok := signToken(t, key, testKid, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Expected aud-less token to pass with an audience configured, got %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %s", claims.Subject)
	}
}

func TestWarmUpMarksReady(t *testing.T) {
	v, _, _ := newTestVerifier(t, "")
	if v.Ready() {
		t.Error("Expected verifier to start not ready")
	}
	if err := v.WarmUp(context.Background()); err != nil {
		t.Fatalf("WarmUp failed: %v", err)
	}
	if !v.Ready() {
		t.Error("Expected verifier to be ready after warmup")
	}
}
