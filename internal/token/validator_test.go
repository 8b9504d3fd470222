package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.Nil(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.Nil(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return key, string(pem.EncodeToMemory(block))
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.Nil(t, err)
	return signed
}

func TestValidatorRejectsShortHeader(t *testing.T) {
	assert := assert.New(t)
	v, err := NewValidator(nil)
	assert.Nil(err)
	claims, tokenType, ok := v.Validate(context.Background(), "short")
	assert.False(ok)
	assert.Nil(claims)
	assert.Equal("", tokenType)
}

func TestValidatorAcceptsMatchingSource(t *testing.T) {
	assert := assert.New(t)
	key, pubPEM := generateKeyPair(t)

	v, err := NewValidator([]SourceConfig{
		{Name: "idp-a", TokenType: "bearer", Issuer: "issuer-a", Audience: "aud-a", PublicKey: pubPEM},
	})
	assert.Nil(err)

	claims := Claims{
		Sub: "user-1", Issuer: "issuer-a", Audience: "aud-a",
		ExpiresAt: time.Now().Add(time.Hour).Unix(), TokenID: "tok-1",
	}
	raw := "Bearer " + signToken(t, key, claims)

	decoded, tokenType, ok := v.Validate(context.Background(), raw)
	assert.True(ok)
	assert.Equal("bearer", tokenType)
	assert.Equal("user-1", decoded.Sub)
	assert.Equal("tok-1", decoded.TokenID)
}

func TestValidatorFallsThroughToSecondSource(t *testing.T) {
	assert := assert.New(t)
	_, pubPEMA := generateKeyPair(t)
	keyB, pubPEMB := generateKeyPair(t)

	v, err := NewValidator([]SourceConfig{
		{Name: "idp-a", TokenType: "bearer", Issuer: "issuer-a", Audience: "aud-a", PublicKey: pubPEMA},
		{Name: "idp-b", TokenType: "bearer", Issuer: "issuer-b", Audience: "aud-b", PublicKey: pubPEMB},
	})
	assert.Nil(err)

	claims := Claims{
		Sub: "user-2", Issuer: "issuer-b", Audience: "aud-b",
		ExpiresAt: time.Now().Add(time.Hour).Unix(), TokenID: "tok-2",
	}
	raw := "Bearer " + signToken(t, keyB, claims)

	decoded, _, ok := v.Validate(context.Background(), raw)
	assert.True(ok)
	assert.Equal("user-2", decoded.Sub)
}

func TestValidatorRejectsExpiredToken(t *testing.T) {
	assert := assert.New(t)
	key, pubPEM := generateKeyPair(t)

	v, err := NewValidator([]SourceConfig{
		{Name: "idp-a", TokenType: "bearer", Issuer: "issuer-a", Audience: "aud-a", PublicKey: pubPEM},
	})
	assert.Nil(err)

	claims := Claims{
		Sub: "user-3", Issuer: "issuer-a", Audience: "aud-a",
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}
	raw := "Bearer " + signToken(t, key, claims)

	_, _, ok := v.Validate(context.Background(), raw)
	assert.False(ok)
}
