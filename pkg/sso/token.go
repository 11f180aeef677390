package sso

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/store"
)

// TokenType is the authorization scheme federated tokens are presented
// under.
const TokenType = "Bearer"

// Claims is the identity extracted from a provider ID token.
type Claims struct {
	Email string
	Name  string
}

// emailClaimKeys in lookup order. Azure AD puts the address under different
// claims depending on account type.
var emailClaimKeys = []string{"email", "upn", "unique_name"}

// ExtractClaims reads the identity claims out of a provider ID token. The
// signature is not checked here: tokens reach this code either straight from
// the provider's token endpoint over TLS, or already bound to a cached
// session created from such an exchange.
func ExtractClaims(idToken string) (Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, mapClaims); err != nil {
		return Claims{}, fmt.Errorf("malformed identity token: %w", errs.ErrUnauthorized)
	}

	var claims Claims
	for _, key := range emailClaimKeys {
		value, ok := mapClaims[key].(string)
		if ok && store.ValidEmail(value) {
			claims.Email = strings.ToLower(value)
			break
		}
	}
	if claims.Email == "" {
		return Claims{}, fmt.Errorf("identity token carries no valid e-mail claim: %w", errs.ErrUnauthorized)
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	}
	return claims, nil
}

// WithTokenType prefixes a bare token with the authorization scheme.
func WithTokenType(token string) string {
	return TokenType + " " + token
}

// StripTokenType removes the authorization scheme prefix if present.
func StripTokenType(tokenWithType string) string {
	return strings.TrimPrefix(tokenWithType, TokenType+" ")
}
