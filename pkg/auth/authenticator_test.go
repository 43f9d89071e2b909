package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const authTestIssuer = "duckhub"

var authTestSecret = []byte("test-secret-0123456789abcdef0123")

func hashKey(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func signToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authTestSecret)
	require.NoError(t, err)
	return token
}

func TestAPIKeyAuthenticator(t *testing.T) {
	a := NewAPIKeyAuthenticator([]APIKey{
		{Name: "notebook-app", Hash: hashKey(t, "sekret-1")},
		{Name: "ops", Hash: hashKey(t, "sekret-2")},
	})

	t.Run("valid key", func(t *testing.T) {
		ctx := WithToken(context.Background(), "sekret-2")
		id, err := a.Authenticate(ctx)
		require.NoError(t, err)
		assert.Equal(t, "apikey:ops", id.Subject)
		assert.Equal(t, "apikey", id.Method)
	})

	t.Run("invalid key", func(t *testing.T) {
		ctx := WithToken(context.Background(), "wrong")
		_, err := a.Authenticate(ctx)
		require.Error(t, err)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := a.Authenticate(context.Background())
		require.Error(t, err)
	})
}

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator(authTestSecret, authTestIssuer)

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    authTestIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		id, err := a.Authenticate(WithToken(context.Background(), token))
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.Subject)
		assert.Equal(t, "jwt", id.Method)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    authTestIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})
		_, err := a.Authenticate(WithToken(context.Background(), token))
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		_, err := a.Authenticate(WithToken(context.Background(), token))
		require.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Issuer:    authTestIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		_, err := a.Authenticate(WithToken(context.Background(), token))
		require.Error(t, err)
	})
}

func TestMulti(t *testing.T) {
	apikeys := NewAPIKeyAuthenticator([]APIKey{
		{Name: "app", Hash: hashKey(t, "sekret")},
	})
	jwts := NewJWTAuthenticator(authTestSecret, authTestIssuer)
	multi := Multi{jwts, apikeys}

	t.Run("falls through to api key", func(t *testing.T) {
		id, err := multi.Authenticate(WithToken(context.Background(), "sekret"))
		require.NoError(t, err)
		assert.Equal(t, "apikey:app", id.Subject)
	})

	t.Run("jwt wins when valid", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    authTestIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		id, err := multi.Authenticate(WithToken(context.Background(), token))
		require.NoError(t, err)
		assert.Equal(t, "jwt", id.Method)
	})

	t.Run("all fail", func(t *testing.T) {
		_, err := multi.Authenticate(WithToken(context.Background(), "nope"))
		require.Error(t, err)
	})

	t.Run("empty chain", func(t *testing.T) {
		_, err := Multi{}.Authenticate(context.Background())
		require.Error(t, err)
	})
}

func TestIdentityContext(t *testing.T) {
	assert.Nil(t, GetIdentity(context.Background()))

	id := &Identity{Subject: "user-1", Method: "jwt"}
	ctx := WithIdentity(context.Background(), id)
	assert.Equal(t, id, GetIdentity(ctx))
}
