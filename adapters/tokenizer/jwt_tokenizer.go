// Package tokenizer decodes and validates opaque signed credentials. Credentials
// are issued and signed by the identity provider; the payload is parsed here
// but signatures are never checked or produced locally.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/credkeeper/core"
)

// DecodeError is returned when a credential cannot be decoded
type DecodeError struct {
	Reason Reason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode credential: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode credential: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var parser = jwt.NewParser(jwt.WithoutClaimsValidation(), jwt.WithPaddingAllowed())

// Decode parses the claims of a credential without verifying its signature
func Decode(credential string) (core.Claims, error) {
	if !wellFormed(credential) {
		return core.Claims{}, &DecodeError{Reason: ReasonMalformed}
	}
	return decode(credential)
}

func decode(credential string) (core.Claims, error) {
	var claims CredentialClaims
	// An unknown alg still yields parsed claims; signatures are not checked here.
	if _, _, err := parser.ParseUnverified(credential, &claims); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return core.Claims{}, &DecodeError{Reason: ReasonMalformed, Err: err}
	}
	return claims.toCore(), nil
}

// wellFormed reports whether the credential has three dot-separated,
// non-empty URL-safe base64 segments
func wellFormed(credential string) bool {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" || !urlSafeBase64(part) {
			return false
		}
	}
	return true
}

func urlSafeBase64(segment string) bool {
	segment = strings.TrimRight(segment, "=")
	if segment == "" {
		return false
	}
	for _, r := range segment {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
