package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/errs"
)

// Claims are the token claims the bus reads. The subject is the principal id.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates RS256 bearer tokens against the issuer's JWKS.
// Verification fails closed: any fault while parsing, fetching keys or
// checking claims denies the token.
type Verifier struct {
	mu         sync.RWMutex
	jwksURL    string
	issuer     string
	audience   string
	publicKeys map[string]*rsa.PublicKey
	lastFetch  time.Time
	httpClient *http.Client
	ready      bool
}

// NewVerifier creates a verifier for the given issuer. An empty audience
// disables the audience check.
func NewVerifier(issuerURL, audience string) *Verifier {
	return &Verifier{
		jwksURL:    strings.TrimRight(issuerURL, "/") + "/.well-known/jwks.json",
		issuer:     issuerURL,
		audience:   audience,
		publicKeys: make(map[string]*rsa.PublicKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify checks signature, issuer, audience and expiry and returns the claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	// Parse without validation first to get the key id.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, errs.Wrap(errs.CodeTokenInvalid, "malformed token", err)
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errs.New(errs.CodeTokenInvalid, "missing kid in token header")
	}

	publicKey, err := v.getPublicKey(ctx, kid)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTokenInvalid, "unknown signing key", err)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Wrap(errs.CodeTokenExpired, "token expired", err)
		}
		return nil, errs.Wrap(errs.CodeTokenInvalid, "token validation failed", err)
	}
	if !parsed.Valid {
		return nil, errs.New(errs.CodeTokenInvalid, "invalid token")
	}

	if claims.Issuer != v.issuer {
		return nil, errs.New(errs.CodeTokenInvalid, fmt.Sprintf("invalid issuer: %s", claims.Issuer))
	}
	if claims.Subject == "" {
		return nil, errs.New(errs.CodeTokenInvalid, "token has no subject")
	}
	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return nil, errs.Wrap(errs.CodeTokenInvalid, "invalid audience format", err)
		}
		// Tokens without an aud claim pass (access-token shape); a present
		// audience list must name this service.
		if len(audiences) > 0 {
			found := false
			for _, aud := range audiences {
				if aud == v.audience {
					found = true
					break
				}
			}
			if !found {
				return nil, errs.New(errs.CodeTokenInvalid, fmt.Sprintf("invalid audience: expected %s", v.audience))
			}
		}
	}
	return &claims, nil
}

// getPublicKey fetches or returns the cached public key for kid.
func (v *Verifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, exists := v.publicKeys[kid]
	lastFetch := v.lastFetch
	v.mu.RUnlock()

	// Return the cached key while it is fresh.
	if exists && time.Since(lastFetch) < time.Hour {
		return key, nil
	}
	return v.fetchPublicKey(ctx, kid)
}

func (v *Verifier) fetchPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check: another goroutine may have fetched meanwhile.
	if key, exists := v.publicKeys[kid]; exists && time.Since(v.lastFetch) < time.Minute {
		return key, nil
	}

	log.Debug().Str("jwksURL", v.jwksURL).Msg("fetching JWKS")
	if err := v.refreshLocked(ctx); err != nil {
		return nil, err
	}

	if key, exists := v.publicKeys[kid]; exists {
		return key, nil
	}
	return nil, fmt.Errorf("key id %s not found in JWKS", kid)
}

// refreshLocked fetches the JWKS document and replaces the key cache.
// Callers hold v.mu.
func (v *Verifier) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS request failed with status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
			Alg string `json:"alg"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to parse RSA public key")
			continue
		}
		v.publicKeys[key.Kid] = publicKey
	}
	v.lastFetch = time.Now()
	v.ready = true
	return nil
}

// Ready reports whether the JWKS has been fetched at least once.
func (v *Verifier) Ready() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ready
}

// WarmUp pre-fetches the JWKS so the first verification does not pay the
// fetch latency. Optional; verification fetches on demand regardless.
func (v *Verifier) WarmUp(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.refreshLocked(ctx); err != nil {
		return err
	}
	log.Info().Int("keyCount", len(v.publicKeys)).Msg("JWKS cache warmed up")
	return nil
}

// parseRSAPublicKey builds a public key from JWKS n and e values.
func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
