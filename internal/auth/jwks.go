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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates RS256 access tokens issued by an OIDC provider
// (e.g. a Cognito user pool). Signing keys are fetched from the JWKS
// endpoint on first use of an unknown kid and cached afterwards. Cache
// misses refetch at most once per refetchAfter.
type JWKSVerifier struct {
	Issuer   string
	JWKSURL  string
	ClientID string

	http         *http.Client
	refetchAfter time.Duration
	now          func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
}

func NewJWKSVerifier(issuer, jwksURL, clientID string) *JWKSVerifier {
	return &JWKSVerifier{
		Issuer:   issuer,
		JWKSURL:  jwksURL,
		ClientID: clientID,
		http:     &http.Client{Timeout: 5 * time.Second},
		keys:     make(map[string]*rsa.PublicKey),

		refetchAfter: time.Minute,
		now:          time.Now,
	}
}

type accessClaims struct {
	jwt.RegisteredClaims

	ClientID string `json:"client_id"`
	Username string `json:"username"`
	TokenUse string `json:"token_use"`
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	parser := jwt.NewParser(opts...)

	claims := &accessClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return v.keyForKID(ctx, kid)
	})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	if v.ClientID != "" && !v.clientMatches(claims) {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		Subject:  claims.Subject,
		Username: claims.Username,
		ClientID: claims.ClientID,
		Issuer:   claims.Issuer,
	}, nil
}

// clientMatches accepts the client id either as client_id (access tokens)
// or as an audience entry (id tokens).
func (v *JWKSVerifier) clientMatches(c *accessClaims) bool {
	if c.ClientID == v.ClientID {
		return true
	}
	for _, aud := range c.Audience {
		if aud == v.ClientID {
			return true
		}
	}
	return false
}

func (v *JWKSVerifier) keyForKID(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	if key, ok := v.keys[kid]; ok {
		v.mu.Unlock()
		return key, nil
	}
	now := v.now()
	if !v.lastFetch.IsZero() && now.Sub(v.lastFetch) < v.refetchAfter {
		v.mu.Unlock()
		return nil, fmt.Errorf("kid not found: %s", kid)
	}
	v.lastFetch = now
	v.mu.Unlock()

	keys, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for k, pub := range keys {
		v.keys[k] = pub
	}
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("kid not found: %s", kid)
}

func (v *JWKSVerifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := v.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: status %d", res.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(res.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	out := make(map[string]*rsa.PublicKey)
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || (k.Alg != "" && k.Alg != "RS256") || k.Kid == "" {
			continue
		}
		pub, err := jwkToPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		out[k.Kid] = pub
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable jwk keys")
	}
	return out, nil
}

func jwkToPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nb)
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
