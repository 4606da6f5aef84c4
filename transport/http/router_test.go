package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platform "github.com/layer-3/credkeeper/adapters/biometric"
	"github.com/layer-3/credkeeper/adapters/device"
	"github.com/layer-3/credkeeper/adapters/identity/idptest"
	"github.com/layer-3/credkeeper/adapters/store"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
	"github.com/layer-3/credkeeper/ports"
	"github.com/layer-3/credkeeper/service"
)

const controlKey = "test-control-key"

type apiFixture struct {
	router  *gin.Engine
	clock   *clock.Fake
	issuer  *idptest.Issuer
	idp     *idptest.Provider
	storage *store.MemoryStore
	bio     *atomic.Int32
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		clock:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		storage: store.NewMemoryStore(),
		bio:     &atomic.Int32{},
	}
	f.issuer = idptest.NewIssuer(f.clock.Now)
	f.issuer.AccessTTL = time.Hour
	f.idp = idptest.NewProvider(f.issuer)

	reg := prometheus.NewRegistry()
	svc := service.NewAuthService(service.Dependencies{
		Storage:  f.storage,
		Identity: f.idp,
		Biometrics: platform.Func{
			AuthenticateFunc: func(context.Context, string) (ports.BiometricStatus, error) {
				return ports.BiometricStatus(f.bio.Load()), nil
			},
		},
		Device:  device.NewRuntime("linux", "6.8", "device-1"),
		Clock:   f.clock,
		Metrics: metrics.New(reg),
		Logger:  logr.Discard(),
	}, service.DefaultConfig())
	t.Cleanup(svc.Stop)

	f.router = SetupRouter(svc, controlKey, reg, logr.Discard())
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+controlKey)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) signIn(t *testing.T) core.CredentialPair {
	t.Helper()
	pair := f.issuer.Pair("0xabc")
	w := f.do(t, http.MethodPost, "/session", map[string]string{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return pair
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	f := newAPI(t)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestControlKeyRequired(t *testing.T) {
	f := newAPI(t)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": controlKey,
		"wrong":     "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/session", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestSignInAndToken(t *testing.T) {
	f := newAPI(t)
	pair := f.signIn(t)

	w := f.do(t, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, "0xabc", status["subject"])

	w = f.do(t, http.MethodGet, "/session/token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pair.AccessToken, decode(t, w)["access_token"])
}

func TestSignInRejectsBadRequests(t *testing.T) {
	f := newAPI(t)
	pair := f.issuer.Pair("0xabc")

	tests := map[string]struct {
		body any
		want int
	}{
		"missing refresh token": {map[string]string{"access_token": pair.AccessToken}, http.StatusBadRequest},
		"undecodable token":     {map[string]string{"access_token": "garbage", "refresh_token": pair.RefreshToken}, http.StatusBadRequest},
		"access outlives renewal": {map[string]string{
			"access_token":  f.issuer.PairWithTTL("0xabc", 2*time.Hour, time.Hour).AccessToken,
			"refresh_token": f.issuer.PairWithTTL("0xabc", time.Minute, time.Hour).RefreshToken,
		}, http.StatusUnauthorized},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/session", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, f.storage.Len())
}

func TestTokenWhenSignedOut(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodGet, "/session/token", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh(t *testing.T) {
	f := newAPI(t)
	pair := f.signIn(t)

	w := f.do(t, http.MethodPost, "/session/refresh", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, pair.AccessToken, decode(t, w)["access_token"])
	assert.Equal(t, 1, f.idp.Calls())
}

func TestRefreshErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		prep func(f *apiFixture)
		want int
		code core.Code
	}{
		{
			name: "provider unavailable",
			prep: func(f *apiFixture) {
				f.idp.FailNext(&ports.RenewalError{Kind: ports.RenewalUnavailable})
			},
			want: http.StatusServiceUnavailable,
			code: core.CodeRefreshFailed,
		},
		{
			name: "renewal credential rejected",
			prep: func(f *apiFixture) {
				f.idp.FailNext(&ports.RenewalError{Kind: ports.RenewalExpired})
			},
			want: http.StatusUnauthorized,
			code: core.CodeTokenExpired,
		},
		{
			name: "biometric cancelled",
			prep: func(f *apiFixture) {
				f.bio.Store(int32(ports.BiometricUserCancelled))
			},
			want: http.StatusForbidden,
			code: core.CodeBiometricError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPI(t)
			f.signIn(t)
			tt.prep(f)

			w := f.do(t, http.MethodPost, "/session/refresh", nil)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, string(tt.code), decode(t, w)["code"])
		})
	}
}

func TestSignOut(t *testing.T) {
	f := newAPI(t)
	f.signIn(t)

	w := f.do(t, http.MethodDelete, "/session", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Zero(t, f.storage.Len())
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/session/token", nil).Code)
}

func TestLifecycle(t *testing.T) {
	f := newAPI(t)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/lifecycle/background", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/lifecycle/foreground", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/lifecycle/sideways", nil).Code)
}

func TestEventsAndForceLogout(t *testing.T) {
	f := newAPI(t)
	f.signIn(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/session/refresh", nil).Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/security/force-logout", nil).Code)

	w := f.do(t, http.MethodPost, "/security/force-logout", map[string]string{"reason": "lost device"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.storage.Len())

	w = f.do(t, http.MethodGet, "/security/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []core.SecurityEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, core.EventRenewSuccess, body.Events[0].Type)
	assert.Equal(t, core.EventAnomaly, body.Events[1].Type)
	assert.Equal(t, "forced logout: lost device", body.Events[1].Details["reason"])
}

func TestMetrics(t *testing.T) {
	f := newAPI(t)
	f.signIn(t)

	w := f.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "credkeeper_")
}
