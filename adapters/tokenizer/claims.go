package tokenizer

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/credkeeper/core"
)

// Audiences used by barong-style providers to mark the token kind
const (
	AudienceAccess  = "session:access"
	AudienceRefresh = "session:refresh"
)

// CredentialClaims combines standard claims with the credential kind and scopes
type CredentialClaims struct {
	jwt.RegisteredClaims
	Kind  string           `json:"kind,omitempty"`
	Scope jwt.ClaimStrings `json:"scope,omitempty"`
}

// kind resolves the token kind from the explicit claim, falling back to the
// audience convention
func (c CredentialClaims) kind() core.TokenKind {
	switch strings.ToLower(c.Kind) {
	case "access":
		return core.TokenKindAccess
	case "renewal", "refresh":
		return core.TokenKindRenewal
	}
	for _, aud := range c.Audience {
		switch aud {
		case AudienceAccess:
			return core.TokenKindAccess
		case AudienceRefresh:
			return core.TokenKindRenewal
		}
	}
	return ""
}

// scopes accepts both the space separated string form and the array form
func (c CredentialClaims) scopes() []string {
	var out []string
	for _, s := range c.Scope {
		out = append(out, strings.Fields(s)...)
	}
	return out
}

func (c CredentialClaims) toCore() core.Claims {
	claims := core.Claims{
		Subject:  c.Subject,
		Issuer:   c.Issuer,
		Audience: []string(c.Audience),
		ID:       c.ID,
		Kind:     c.kind(),
		Scopes:   c.scopes(),
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		claims.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	if c.NotBefore != nil {
		claims.NotBefore = c.NotBefore.Time.UTC()
	}
	return claims
}
