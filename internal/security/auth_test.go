package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_AcceptsConfiguredAPIKey(t *testing.T) {
	auth := NewAuthenticator(Config{APIKeys: []string{"key-a", "key-b"}}, nil)

	claims, err := auth.Authenticate("key-b")
	require.NoError(t, err)
	assert.Equal(t, "api_key", claims.Subject)
}

func TestAuthenticator_RejectsUnknownToken(t *testing.T) {
	auth := NewAuthenticator(Config{APIKeys: []string{"key-a"}}, nil)

	_, err := auth.Authenticate("not-a-key")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_RejectsEmptyToken(t *testing.T) {
	auth := NewAuthenticator(Config{APIKeys: []string{"key-a"}}, nil)

	_, err := auth.Authenticate("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticator_IssueAndValidateJWT(t *testing.T) {
	auth := NewAuthenticator(Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}, nil)

	token, err := auth.IssueJWT("operator-1")
	require.NoError(t, err)

	claims, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
}

func TestAuthenticator_RejectsJWTFromDifferentSecret(t *testing.T) {
	issuer := NewAuthenticator(Config{JWTSecret: "secret-a", JWTExpiry: time.Hour}, nil)
	verifier := NewAuthenticator(Config{JWTSecret: "secret-b", JWTExpiry: time.Hour}, nil)

	token, err := issuer.IssueJWT("operator-1")
	require.NoError(t, err)

	_, err = verifier.Authenticate(token)
	assert.Error(t, err)
}

func TestAuthenticator_IssueJWTFailsWithoutSecret(t *testing.T) {
	auth := NewAuthenticator(Config{}, nil)
	_, err := auth.IssueJWT("operator-1")
	assert.Error(t, err)
}
