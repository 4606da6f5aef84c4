// Package idptest provides a test-only identity provider that issues ES256
// signed credentials and serves the renewal endpoint.
package idptest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/ports"
)

const (
	AudienceAccess  = "session:access"
	AudienceRefresh = "session:refresh"
	DefaultIssuer   = "https://idp.test"
	DefaultScope    = "profile wallet:read"
)

// Claims mirrors what a barong-style provider puts in its credentials
type Claims struct {
	jwt.RegisteredClaims
	Kind      string `json:"kind,omitempty"`
	Scope     string `json:"scope,omitempty"`
	RefreshID string `json:"rid,omitempty"`
}

// Issuer signs credentials with a freshly generated P-256 key
type Issuer struct {
	Name       string
	Scope      string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	signKey *ecdsa.PrivateKey
	now     func() time.Time
}

// NewIssuer creates an issuer reading time from now
func NewIssuer(now func() time.Time) *Issuer {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("idptest: generate key: %v", err))
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		Name:       DefaultIssuer,
		Scope:      DefaultScope,
		AccessTTL:  5 * time.Minute,
		RefreshTTL: 5 * 24 * time.Hour,
		signKey:    key,
		now:        now,
	}
}

// Sign signs arbitrary claims
func (i *Issuer) Sign(claims jwt.Claims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(i.signKey)
	if err != nil {
		panic(fmt.Sprintf("idptest: sign token: %v", err))
	}
	return signed
}

// Pair issues a credential pair for subject using the issuer's TTLs
func (i *Issuer) Pair(subject string) core.CredentialPair {
	return i.PairWithTTL(subject, i.AccessTTL, i.RefreshTTL)
}

// PairWithTTL issues a credential pair with explicit lifetimes
func (i *Issuer) PairWithTTL(subject string, accessTTL, refreshTTL time.Duration) core.CredentialPair {
	now := i.now().UTC().Truncate(time.Second)
	refreshID := uuid.New().String()

	access := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Name,
			Subject:   subject,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		Kind:      "access",
		Scope:     i.Scope,
		RefreshID: refreshID,
	}
	refresh := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Name,
			Subject:   subject,
			ID:        refreshID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(refreshTTL)),
			Audience:  jwt.ClaimStrings{AudienceRefresh},
		},
		Kind: "renewal",
	}

	return core.CredentialPair{
		AccessToken:      i.Sign(access),
		RefreshToken:     i.Sign(refresh),
		AccessExpiresAt:  now.Add(accessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
	}
}

// Verify checks the signature and expiry of a renewal credential issued by i
func (i *Issuer) Verify(refreshToken string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(refreshToken, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &i.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceRefresh), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &ports.RenewalError{Kind: ports.RenewalExpired, Err: err}
		}
		return nil, &ports.RenewalError{Kind: ports.RenewalInvalid, Err: err}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, &ports.RenewalError{Kind: ports.RenewalInvalid, Err: errors.New("invalid claims type")}
	}
	return claims, nil
}

// Provider is an in-process ports.IdentityProvider backed by an Issuer.
// Failures and blocking can be scripted per test.
type Provider struct {
	Issuer *Issuer

	mu      sync.Mutex
	calls   int
	fail    []error
	release chan struct{}
	started chan struct{}
	rotated map[string]bool
}

// NewProvider creates a provider for issuer
func NewProvider(issuer *Issuer) *Provider {
	return &Provider{Issuer: issuer, rotated: make(map[string]bool)}
}

// FailNext makes the next len(errs) renewals return the given errors in order
func (p *Provider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = append(p.fail, errs...)
}

// Block holds every subsequent renewal until the returned release func is
// called. The started channel is closed once the first blocked call arrives.
func (p *Provider) Block() (started <-chan struct{}, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release = make(chan struct{})
	p.started = make(chan struct{})
	ch := p.release
	var once sync.Once
	return p.started, func() { once.Do(func() { close(ch) }) }
}

// Calls returns the number of renewal calls received
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Renew(ctx context.Context, refreshToken string) (core.CredentialPair, error) {
	p.mu.Lock()
	p.calls++
	release, started := p.release, p.started
	if started != nil {
		select {
		case <-started:
		default:
			close(started)
		}
	}
	var scripted error
	if len(p.fail) > 0 {
		scripted, p.fail = p.fail[0], p.fail[1:]
	}
	p.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return core.CredentialPair{}, &ports.RenewalError{Kind: ports.RenewalUnavailable, Err: ctx.Err()}
		}
	}
	if scripted != nil {
		return core.CredentialPair{}, scripted
	}

	claims, err := p.Issuer.Verify(refreshToken)
	if err != nil {
		return core.CredentialPair{}, err
	}

	// Rotation: a renewal credential is accepted once
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rotated[claims.ID] {
		return core.CredentialPair{}, &ports.RenewalError{Kind: ports.RenewalInvalid, Err: errors.New("refresh token has been invalidated")}
	}
	p.rotated[claims.ID] = true

	return p.Issuer.Pair(claims.Subject), nil
}
