package token

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// SourceConfig is the configured shape of one trusted token issuer, as read
// from the runtime config's auth_sources list.
type SourceConfig struct {
	Name      string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	TokenType string `json:"token_type" yaml:"token_type" mapstructure:"token_type" validate:"required"`
	Issuer    string `json:"issuer" yaml:"issuer" mapstructure:"issuer" validate:"required"`
	Audience  string `json:"audience" yaml:"audience" mapstructure:"audience" validate:"required"`
	PublicKey string `json:"public_key" yaml:"public_key" mapstructure:"public_key" validate:"required"`
}

// tokenSource is one resolved, ready-to-use trusted issuer: the PEM public
// key has already been parsed into an *rsa.PublicKey.
type tokenSource struct {
	name      string
	tokenType string
	issuer    string
	audience  string
	publicKey *rsa.PublicKey
}

func newTokenSource(cfg SourceConfig) (*tokenSource, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("auth source %s: invalid public_key: %w", cfg.Name, err)
	}
	return &tokenSource{
		name:      cfg.Name,
		tokenType: cfg.TokenType,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		publicKey: key,
	}, nil
}
