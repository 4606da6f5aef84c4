// Package identity implements the IdentityProvider port over the provider's
// HTTP renewal endpoint.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/layer-3/credkeeper/adapters/tokenizer"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/ports"
)

// Error codes carried in the provider's JSON error body
const (
	codeTokenExpired = "token_expired"
	codeTokenInvalid = "token_invalid"
)

var _ ports.IdentityProvider = (*Client)(nil)

// Client posts renewal credentials to <baseURL>/auth/refresh
type Client struct {
	http       *http.Client
	refreshURL string
}

// NewClient creates a renewal client. A nil httpClient uses a client with a
// 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:       httpClient,
		refreshURL: strings.TrimRight(baseURL, "/") + "/auth/refresh",
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Renew exchanges refreshToken for a new pair. Failures are *ports.RenewalError.
// Providers that do not rotate may omit refresh_token; the presented one is
// kept in that case.
func (c *Client) Renew(ctx context.Context, refreshToken string) (core.CredentialPair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return core.CredentialPair{}, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, bytes.NewReader(body))
	if err != nil {
		return core.CredentialPair{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return core.CredentialPair{}, &ports.RenewalError{Kind: ports.RenewalUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.CredentialPair{}, classify(resp)
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return core.CredentialPair{}, &ports.RenewalError{Kind: ports.RenewalUnavailable, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	return pairFrom(tokens)
}

func pairFrom(tokens tokenResponse) (core.CredentialPair, error) {
	access, err := tokenizer.Decode(tokens.AccessToken)
	if err != nil {
		return core.CredentialPair{}, &ports.RenewalError{Kind: ports.RenewalUnavailable, Err: fmt.Errorf("access token in response: %w", err)}
	}
	refresh, err := tokenizer.Decode(tokens.RefreshToken)
	if err != nil {
		return core.CredentialPair{}, &ports.RenewalError{Kind: ports.RenewalUnavailable, Err: fmt.Errorf("refresh token in response: %w", err)}
	}

	return core.CredentialPair{
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// classify maps a non-200 response to a renewal failure kind
func classify(resp *http.Response) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized && body.Code == codeTokenExpired:
		return &ports.RenewalError{Kind: ports.RenewalExpired, Err: cause}
	case body.Code == codeTokenInvalid:
		return &ports.RenewalError{Kind: ports.RenewalInvalid, Err: cause}
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusForbidden:
		return &ports.RenewalError{Kind: ports.RenewalInvalid, Err: cause}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ports.RenewalError{Kind: ports.RenewalRateLimited, Err: cause}
	default:
		return &ports.RenewalError{Kind: ports.RenewalUnavailable, Err: cause}
	}
}

// IsRenewalError reports whether err is a renewal failure of kind
func IsRenewalError(err error, kind ports.RenewalFailureKind) bool {
	var renewalErr *ports.RenewalError
	return errors.As(err, &renewalErr) && renewalErr.Kind == kind
}
