package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenRoundTrip(t *testing.T) {
	svc := NewService("unit-test-secret")
	svc.RegisterAPICredentials("key-1", "secret-1", ScopeTrade, ScopeInternal)

	token, err := svc.GenerateToken(Credentials{APIKey: "key-1", APISecret: "secret-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), token.ExpiresAt, time.Minute)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "key-1", claims.ClientID)
	assert.True(t, claims.HasScope(ScopeTrade))
	assert.True(t, claims.HasScope(ScopeInternal))
	assert.False(t, claims.HasScope(ScopePortfolioRead))
}

func TestGenerateTokenInvalidCredentials(t *testing.T) {
	svc := NewService("unit-test-secret")
	svc.RegisterAPICredentials("key-1", "secret-1", ScopeTrade)

	_, err := svc.GenerateToken(Credentials{APIKey: "key-1", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GenerateToken(Credentials{APIKey: "unknown", APISecret: "secret-1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterAPICredentials("key-1", "secret-1", ScopeTrade)
	token, err := issuer.GenerateToken(Credentials{APIKey: "key-1", APISecret: "secret-1"})
	require.NoError(t, err)

	verifier := NewService("secret-b")
	_, err = verifier.ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestRegisterDefaultScopes(t *testing.T) {
	svc := NewService("unit-test-secret")
	svc.RegisterAPICredentials("key-1", "secret-1")

	token, err := svc.GenerateToken(Credentials{APIKey: "key-1", APISecret: "secret-1"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(ScopeTrade))
	assert.True(t, claims.HasScope(ScopePortfolioRead))
	assert.False(t, claims.HasScope(ScopeInternal))
}
