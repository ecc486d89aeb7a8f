// Package auth admits websocket connections based on a bearer credential and
// carries the caller's tokens through to the call session.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Tokens are the credentials presented on a connection. Access is the
// verified bearer token; ID and Refresh are passed through untouched.
type Tokens struct {
	Access  string
	ID      string
	Refresh string
}

// Claims is the identity extracted from a verified access token.
type Claims struct {
	Subject  string
	Username string
	ClientID string
	Issuer   string
}

// Verifier checks an access token. Implementations return ErrInvalidToken
// for any token they do not accept.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// StaticVerifier accepts a single shared token. Intended for local
// development and tests.
type StaticVerifier struct {
	Token string
}

func (v StaticVerifier) Verify(_ context.Context, token string) (Claims, error) {
	if v.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "dev", Issuer: "static"}, nil
}

// ExtractTokens reads the bearer token from the Authorization header, falling
// back to the authorization query parameter that browsers use for websocket
// upgrades. id_token and refresh_token are read from headers or query.
func ExtractTokens(r *http.Request) (Tokens, error) {
	q := r.URL.Query()

	raw := r.Header.Get("Authorization")
	if raw == "" {
		raw = q.Get("authorization")
	}
	access, err := parseBearer(raw)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		Access:  access,
		ID:      firstNonEmpty(r.Header.Get("id_token"), q.Get("id_token")),
		Refresh: firstNonEmpty(r.Header.Get("refresh_token"), q.Get("refresh_token")),
	}, nil
}

func parseBearer(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingBearer
	}
	const prefix = "bearer "
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(raw[len(prefix):])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
