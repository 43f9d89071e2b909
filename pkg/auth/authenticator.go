package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Authenticator validates the credential carried in the context.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Identity, error)
}

// APIKey is one configured API key. Only the bcrypt hash is held in
// memory or configuration; the plaintext key travels in requests.
type APIKey struct {
	Name string
	Hash string
}

// APIKeyAuthenticator authenticates using bcrypt-hashed API keys.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(keys []APIKey) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate compares the presented key against every configured hash.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*Identity, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, fmt.Errorf("auth: no API key presented")
	}

	for _, key := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(token)) == nil {
			return &Identity{
				Subject: "apikey:" + key.Name,
				Name:    key.Name,
				Method:  "apikey",
			}, nil
		}
	}
	return nil, fmt.Errorf("auth: invalid API key")
}

// JWTAuthenticator authenticates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates a JWT authenticator. issuer is optional;
// when set, tokens from other issuers are rejected.
func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

// Authenticate parses and validates the bearer token from the context.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*Identity, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, fmt.Errorf("auth: no bearer token presented")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}

	return &Identity{Subject: claims.Subject, Method: "jwt"}, nil
}

// Multi tries each authenticator in order and returns the first success.
type Multi []Authenticator

// Authenticate tries each authenticator; the last error is returned when
// all fail.
func (m Multi) Authenticate(ctx context.Context) (*Identity, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("auth: no authenticators configured")
	}
	var lastErr error
	for _, a := range m {
		id, err := a.Authenticate(ctx)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
