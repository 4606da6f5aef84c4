package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/layer-3/credkeeper/adapters/identity/idptest"
	"github.com/layer-3/credkeeper/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderServer(t *testing.T, now func() time.Time) (*idptest.Provider, *Client) {
	t.Helper()
	provider := idptest.NewProvider(idptest.NewIssuer(now))
	srv := httptest.NewServer(provider.Handler())
	t.Cleanup(srv.Close)
	return provider, NewClient(srv.URL+"/", srv.Client())
}

func TestRenew(t *testing.T) {
	provider, client := newProviderServer(t, nil)
	old := provider.Issuer.Pair("0xabc")

	pair, err := client.Renew(context.Background(), old.RefreshToken)
	require.NoError(t, err)

	assert.NotEqual(t, old.RefreshToken, pair.RefreshToken)
	assert.NotEmpty(t, pair.AccessToken)
	assert.False(t, pair.AccessExpiresAt.IsZero())
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))
	assert.NoError(t, pair.Validate())
	assert.Equal(t, 1, provider.Calls())
}

func TestRenewRejectsReusedRefreshToken(t *testing.T) {
	provider, client := newProviderServer(t, nil)
	old := provider.Issuer.Pair("0xabc")

	_, err := client.Renew(context.Background(), old.RefreshToken)
	require.NoError(t, err)

	_, err = client.Renew(context.Background(), old.RefreshToken)
	assert.True(t, IsRenewalError(err, ports.RenewalInvalid), "got %v", err)
}

func TestRenewExpiredRefreshToken(t *testing.T) {
	now := time.Now().Add(-time.Hour)
	provider, client := newProviderServer(t, func() time.Time { return now })
	expired := provider.Issuer.PairWithTTL("0xabc", time.Minute, 2*time.Minute)

	now = time.Now()

	_, err := client.Renew(context.Background(), expired.RefreshToken)
	assert.True(t, IsRenewalError(err, ports.RenewalExpired), "got %v", err)
}

func TestRenewStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ports.RenewalFailureKind
	}{
		{"expired", http.StatusUnauthorized, `{"error":"Refresh token expired","code":"token_expired"}`, ports.RenewalExpired},
		{"invalidated", http.StatusUnauthorized, `{"error":"Refresh token has been invalidated","code":"token_invalid"}`, ports.RenewalInvalid},
		{"unauthorized without code", http.StatusUnauthorized, `{"error":"nope"}`, ports.RenewalInvalid},
		{"bad request", http.StatusBadRequest, `{"error":"Invalid refresh token"}`, ports.RenewalInvalid},
		{"unprocessable with invalid code", http.StatusUnprocessableEntity, `{"error":"Refresh token revoked","code":"token_invalid"}`, ports.RenewalInvalid},
		{"unprocessable without code", http.StatusUnprocessableEntity, `{"error":"try later"}`, ports.RenewalUnavailable},
		{"rate limited", http.StatusTooManyRequests, ``, ports.RenewalRateLimited},
		{"unavailable", http.StatusServiceUnavailable, `{"error":"down"}`, ports.RenewalUnavailable},
		{"internal", http.StatusInternalServerError, `oops`, ports.RenewalUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/auth/refresh", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			_, err := NewClient(srv.URL, srv.Client()).Renew(context.Background(), "a.b.c")

			var renewalErr *ports.RenewalError
			require.ErrorAs(t, err, &renewalErr)
			assert.Equal(t, tt.kind, renewalErr.Kind)
		})
	}
}

func TestRenewTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).Renew(context.Background(), "a.b.c")
	assert.True(t, IsRenewalError(err, ports.RenewalUnavailable), "got %v", err)
}

func TestRenewMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"garbage","refresh_token":"garbage"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, srv.Client()).Renew(context.Background(), "a.b.c")
	assert.True(t, IsRenewalError(err, ports.RenewalUnavailable), "got %v", err)
}

func TestRenewKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	issuer := idptest.NewIssuer(nil)
	pair := issuer.Pair("0xabc")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"` + pair.AccessToken + `"}`))
	}))
	t.Cleanup(srv.Close)

	got, err := NewClient(srv.URL, srv.Client()).Renew(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, got.RefreshToken)
	assert.Equal(t, pair.RefreshExpiresAt, got.RefreshExpiresAt)
}
