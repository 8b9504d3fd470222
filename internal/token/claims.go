package token

import (
	"fmt"
	"time"
)

// Claims is the decoded bearer token payload the dispatcher acts on. The
// Expected* fields are populated by the caller before parsing (one per
// TokenSource attempted) and consulted by Valid() to enforce the
// issuer/audience match that golang-jwt/v4's StandardClaims alone doesn't
// give us for a single expected value.
type Claims struct {
	Sub               string `json:"sub"`
	Issuer            string `json:"iss"`
	ExpiresAt         int64  `json:"exp"`
	Audience          string `json:"aud"`
	PreferredUsername string `json:"preferred_username"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Email             string `json:"email"`
	TokenID           string `json:"token_id"`

	ExpectedIssuer   string `json:"-"`
	ExpectedAudience string `json:"-"`
}

// Valid satisfies jwt.Claims and is what the jwt.Parser calls to validate the
// decoded payload: it rejects an expired token (non-zero exp in the past) and
// enforces the single-issuer/single-audience match each TokenSource is
// configured with. The signing algorithm is restricted separately by the
// parser's ValidMethods.
func (c Claims) Valid() error {
	if c.ExpiresAt != 0 && time.Now().Unix() > c.ExpiresAt {
		return fmt.Errorf("token is expired")
	}
	if c.Issuer != c.ExpectedIssuer {
		return fmt.Errorf("token issuer %q does not match expected issuer %q", c.Issuer, c.ExpectedIssuer)
	}
	if c.Audience != c.ExpectedAudience {
		return fmt.Errorf("token audience %q does not match expected audience %q", c.Audience, c.ExpectedAudience)
	}
	return nil
}
