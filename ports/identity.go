package ports

import (
	"context"
	"fmt"

	"github.com/layer-3/credkeeper/core"
)

// RenewalFailureKind is the structured error class reported by the identity provider
type RenewalFailureKind string

const (
	RenewalExpired     RenewalFailureKind = "expired"
	RenewalInvalid     RenewalFailureKind = "invalid"
	RenewalRateLimited RenewalFailureKind = "rate-limited"
	RenewalUnavailable RenewalFailureKind = "unavailable"
)

// RenewalError is returned by IdentityProvider.Renew
type RenewalError struct {
	Kind RenewalFailureKind
	Err  error
}

func (e *RenewalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("renewal %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("renewal %s", e.Kind)
}

func (e *RenewalError) Unwrap() error {
	return e.Err
}

// IdentityProvider is the remote renewal endpoint
type IdentityProvider interface {
	// Renew exchanges a renewal credential for a new credential pair
	Renew(ctx context.Context, refreshToken string) (core.CredentialPair, error)
}
