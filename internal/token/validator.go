// Package token implements bearer-token decoding and multi-issuer
// verification for the gateway's dispatcher.
package token

import (
	"context"
	"fmt"
	"strings"

	"github.com/alwitt/gateway/internal/logging"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v4"
)

// authShift is len("Bearer ") — the original gateway's AUTH_SHIFT constant.
const authShift = len("Bearer ")

// Validator holds the full configured list of trusted token sources, tried
// in configured order until one accepts the token.
type Validator struct {
	logging.Component
	sources []*tokenSource
}

/*
NewValidator builds a Validator from the configured auth sources.

 @param sources []SourceConfig - the runtime config's auth_sources list
 @return the new Validator
*/
func NewValidator(sources []SourceConfig) (*Validator, error) {
	resolved := make([]*tokenSource, 0, len(sources))
	for _, cfg := range sources {
		ts, err := newTokenSource(cfg)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, ts)
	}
	return &Validator{
		Component: logging.Component{LogTags: log.Fields{"module": "token", "component": "validator"}},
		sources:   resolved,
	}, nil
}

/*
Validate decodes and verifies authorizationHeader against every configured
token source in order, returning the first successful match's claims and
token type. Matches spec.md §4.1 exactly: a header that does not start with
"Bearer ", or whose length does not exceed len("Bearer "), is rejected
outright without attempting any source.

 @param authorizationHeader string - the raw Authorization header value
 @return decoded claims, the matching source's token type, and whether any
         source accepted the token
*/
func (v *Validator) Validate(ctxt context.Context, authorizationHeader string) (*Claims, string, bool) {
	logTags := v.GetLogTagsForContext(ctxt)
	if len(authorizationHeader) <= authShift || !strings.HasPrefix(authorizationHeader, "Bearer ") {
		log.WithFields(logTags).Warn("No claim: authorization header too short or not a Bearer credential")
		return nil, "", false
	}
	raw := authorizationHeader[authShift:]

	var rejectionReasons []string
	for _, source := range v.sources {
		claims := &Claims{ExpectedIssuer: source.issuer, ExpectedAudience: source.audience}
		parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
		_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			return source.publicKey, nil
		})
		if err == nil {
			return claims, source.tokenType, true
		}
		rejectionReasons = append(rejectionReasons, fmt.Sprintf("%s: %s", source.name, err))
	}
	log.WithFields(logTags).Warnf("No claim: all sources rejected: %s", strings.Join(rejectionReasons, "; "))
	return nil, "", false
}
