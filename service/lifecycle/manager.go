// Package lifecycle stores, validates and renews the credential pair.
//
// Renewal is single-flight: concurrent callers, background refreshes and the
// scheduler share one identity provider call. A generation counter bumped by
// StorePair and Clear lets a refresh that completes afterwards detect that
// its result is stale and discard it.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/layer-3/credkeeper/adapters/tokenizer"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
	"github.com/layer-3/credkeeper/ports"
	"github.com/layer-3/credkeeper/service/securestore"
)

// Well-known secure store keys
const (
	KeyAccessToken  = "credkeeper.access_token"
	KeyRefreshToken = "credkeeper.refresh_token"
	KeyMetadata     = "credkeeper.token_metadata"
)

const (
	DefaultRefreshThreshold = 10 * time.Minute
	DefaultRenewalTimeout   = 30 * time.Second
)

const flightKey = "refresh"

// EventLogger receives security events. Implemented by the security monitor.
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, event core.SecurityEvent)
}

// Config tunes the manager
type Config struct {
	// RefreshThreshold triggers a background refresh when the access
	// credential expires within it
	RefreshThreshold time.Duration
	// RenewalTimeout bounds one identity provider call
	RenewalTimeout time.Duration
	// RequireBiometric gates reads of the renewal credential
	RequireBiometric bool
	// StrictAccess validates access credentials with ValidateAccess
	// (kind and scopes required) instead of the generic rules
	StrictAccess bool
	// Rules used for every credential check. Rules.Now is replaced by the
	// manager's clock.
	Rules tokenizer.Rules
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		RefreshThreshold: DefaultRefreshThreshold,
		RenewalTimeout:   DefaultRenewalTimeout,
		RequireBiometric: true,
		StrictAccess:     true,
		Rules:            tokenizer.DefaultRules(),
	}
}

// Status is a snapshot of the managed credentials
type Status struct {
	Authenticated    bool      `json:"authenticated"`
	Subject          string    `json:"subject,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	LastRenewal      time.Time `json:"last_renewal,omitempty"`
	RenewalCount     int       `json:"renewal_count"`
	Refreshing       bool      `json:"refreshing"`
	Error            string    `json:"error,omitempty"`
}

// Option configures optional collaborators
type Option func(*Manager)

// WithMetrics records renewals in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(mgr *Manager) { mgr.tracer = t }
}

// Manager owns the credential pair
type Manager struct {
	store  *securestore.Store
	idp    ports.IdentityProvider
	events EventLogger
	clock  clock.Clock
	log    logr.Logger
	cfg    Config

	metrics *metrics.Metrics
	tracer  trace.Tracer

	flight     singleflight.Group
	generation atomic.Uint64
	refreshing atomic.Bool
	background sync.WaitGroup

	// mu serializes writes of the pair with the staleness check of a
	// completing refresh
	mu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a lifecycle manager
func NewManager(
	store *securestore.Store,
	idp ports.IdentityProvider,
	events EventLogger,
	clk clock.Clock,
	cfg Config,
	log logr.Logger,
	opts ...Option,
) *Manager {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.RenewalTimeout <= 0 {
		cfg.RenewalTimeout = DefaultRenewalTimeout
	}
	cfg.Rules.Now = clk.Now

	m := &Manager{
		store:  store,
		idp:    idp,
		events: events,
		clock:  clk,
		log:    log.WithName("lifecycle"),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/layer-3/credkeeper/service/lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StorePair persists both credentials and their metadata. Metadata is
// committed last so a partially written pair is never observed as complete.
// A refresh in flight when StorePair runs has its result discarded.
func (m *Manager) StorePair(ctx context.Context, pair core.CredentialPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	m.generation.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writePairLocked(ctx, pair)
}

func (m *Manager) writePairLocked(ctx context.Context, pair core.CredentialPair) error {
	claims, err := tokenizer.Decode(pair.AccessToken)
	if err != nil {
		return core.Wrap(core.CodeTokenInvalid, "access credential cannot be decoded", err)
	}

	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = m.clock.Now().UTC()
	}
	meta, err := json.Marshal(core.CredentialMetadata{
		ExpiresAt:        pair.AccessExpiresAt.UTC(),
		RefreshExpiresAt: pair.RefreshExpiresAt.UTC(),
		IssuedAt:         issuedAt.UTC(),
	})
	if err != nil {
		return core.Wrap(core.CodeStorageError, "encode credential metadata", err)
	}

	if err := m.store.Remove(ctx, KeyMetadata); err != nil {
		return err
	}
	if err := m.store.Put(ctx, KeyAccessToken, pair.AccessToken, securestore.PutOptions{}); err != nil {
		return err
	}
	err = m.store.Put(ctx, KeyRefreshToken, pair.RefreshToken, securestore.PutOptions{
		ExpiresAt:         pair.RefreshExpiresAt,
		RequiresBiometric: m.cfg.RequireBiometric,
	})
	if err != nil {
		return err
	}
	err = m.store.Put(ctx, KeyMetadata, string(meta), securestore.PutOptions{
		ExpiresAt: pair.RefreshExpiresAt,
	})
	if err != nil {
		return err
	}

	m.updateStatus(func(s *Status) {
		s.Authenticated = true
		s.Subject = claims.Subject
		s.AccessExpiresAt = pair.AccessExpiresAt
		s.RefreshExpiresAt = pair.RefreshExpiresAt
		s.Error = ""
	})
	m.metrics.SetAccessExpiry(pair.AccessExpiresAt)

	m.log.V(1).Info("stored credential pair",
		"subject", claims.Subject,
		"accessExpiresAt", pair.AccessExpiresAt,
		"refreshExpiresAt", pair.RefreshExpiresAt,
	)
	return nil
}

// AccessToken returns the current access credential. It returns "" and no
// error when no pair is stored. An absent or expired credential is renewed
// before returning; one that expires within the refresh threshold is returned
// as is while a renewal runs in the background.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	meta, err := m.Metadata(ctx)
	if errors.Is(err, securestore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	token, err := m.store.Get(ctx, KeyAccessToken)
	if errors.Is(err, securestore.ErrNotFound) {
		return m.refreshForAccess(ctx, "access credential missing")
	}
	if err != nil {
		return "", err
	}

	res := m.validateAccess(token)
	if !res.OK {
		if len(res.Reasons) == 1 && res.Has(tokenizer.ReasonExpired) {
			return m.refreshForAccess(ctx, "access credential expired")
		}
		m.reportValidationFailure(ctx, "access", res)
		return "", core.New(core.CodeTokenInvalid, "stored access credential failed validation")
	}

	expiresAt := res.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = meta.ExpiresAt
	}
	if expiresAt.Sub(m.clock.Now()) <= m.cfg.RefreshThreshold {
		m.refreshInBackground(ctx)
	}
	return token, nil
}

func (m *Manager) refreshForAccess(ctx context.Context, why string) (string, error) {
	m.log.V(1).Info("refreshing before returning access credential", "reason", why)
	pair, err := m.Refresh(ctx)
	if errors.Is(err, core.ErrSuperseded) {
		return m.store.Get(ctx, KeyAccessToken)
	}
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

func (m *Manager) refreshInBackground(ctx context.Context) {
	if m.refreshing.Load() {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		if _, err := m.Refresh(context.WithoutCancel(ctx)); err != nil {
			m.log.V(1).Info("background refresh failed", "code", core.CodeOf(err), "error", err.Error())
		}
	}()
}

// Wait blocks until background refreshes started by AccessToken finish
func (m *Manager) Wait() {
	m.background.Wait()
}

// Refresh renews the pair. Concurrent callers share one in-flight renewal
// and receive the same result. A caller whose ctx ends stops waiting; the
// shared renewal continues for the others.
func (m *Manager) Refresh(ctx context.Context) (core.CredentialPair, error) {
	ch := m.flight.DoChan(flightKey, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RenewalTimeout)
		defer cancel()
		return m.refresh(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return core.CredentialPair{}, res.Err
		}
		return res.Val.(core.CredentialPair), nil
	case <-ctx.Done():
		return core.CredentialPair{}, core.Wrap(core.CodeRefreshFailed, "stopped waiting for refresh", ctx.Err())
	}
}

// Refreshing reports whether a renewal is in flight
func (m *Manager) Refreshing() bool {
	return m.refreshing.Load()
}

func (m *Manager) refresh(ctx context.Context) (core.CredentialPair, error) {
	gen := m.generation.Load()
	m.refreshing.Store(true)
	defer m.refreshing.Store(false)

	ctx, span := m.tracer.Start(ctx, "lifecycle.refresh")
	defer span.End()

	renewal, err := m.store.Get(ctx, KeyRefreshToken)
	switch {
	case errors.Is(err, securestore.ErrNotFound):
		return m.fail(ctx, span, "", core.New(core.CodeTokenExpired, "no renewal credential stored"), 0)
	case errors.Is(err, securestore.ErrBiometricDenied):
		return m.denied(ctx, span, err)
	case err != nil:
		return m.fail(ctx, span, "", err, 0)
	}

	res := tokenizer.ValidateRenewal(renewal, m.cfg.Rules)
	subject := ""
	if res.Claims != nil {
		subject = res.Claims.Subject
	}
	if !res.OK {
		if res.Has(tokenizer.ReasonExpired) {
			return m.fail(ctx, span, subject, core.New(core.CodeTokenExpired, "renewal credential expired"), 0)
		}
		m.reportValidationFailure(ctx, "renewal", res)
		return m.fail(ctx, span, subject, core.New(core.CodeTokenInvalid, "renewal credential failed validation"), 0)
	}

	start := m.clock.Now()
	pair, err := m.idp.Renew(ctx, renewal)
	latency := m.clock.Now().Sub(start)
	if err != nil {
		return m.fail(ctx, span, subject, classifyRenewal(err), latency)
	}

	if err := m.validatePair(pair); err != nil {
		return m.fail(ctx, span, subject, err, latency)
	}

	m.mu.Lock()
	if m.generation.Load() != gen {
		// StorePair leaves the manager authenticated, Clear does not
		replaced := m.Status().Authenticated
		m.mu.Unlock()
		m.metrics.RecordRenewal(metrics.ResultDiscarded, "", latency)
		m.log.Info("discarding refresh result, credentials changed while it was in flight", "subject", subject, "replaced", replaced)
		span.SetAttributes(attribute.Bool("discarded", true))
		if replaced {
			return core.CredentialPair{}, core.ErrSuperseded
		}
		return core.CredentialPair{}, core.New(core.CodeTokenExpired, "credentials cleared during refresh")
	}
	err = m.writePairLocked(ctx, pair)
	m.mu.Unlock()
	if err != nil {
		return m.fail(ctx, span, subject, err, latency)
	}

	now := m.clock.Now()
	m.updateStatus(func(s *Status) {
		s.LastRenewal = now
		s.RenewalCount++
	})
	m.metrics.RecordRenewal(metrics.ResultSuccess, "", latency)
	m.events.LogSecurityEvent(ctx, core.SecurityEvent{
		Type:      core.EventRenewSuccess,
		SubjectID: subject,
		Details: map[string]string{
			"accessExpiresAt": pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	m.log.Info("renewed credentials", "subject", subject, "accessExpiresAt", pair.AccessExpiresAt)

	return pair, nil
}

func (m *Manager) validatePair(pair core.CredentialPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}
	if res := m.validateAccess(pair.AccessToken); !res.OK {
		return core.New(core.CodeTokenInvalid, "renewed access credential failed validation")
	}
	if res := tokenizer.ValidateRenewal(pair.RefreshToken, m.cfg.Rules); !res.OK {
		return core.New(core.CodeTokenInvalid, "renewed renewal credential failed validation")
	}
	return nil
}

// validateAccess checks an access credential without grace: an access
// credential past its expiry is renewed, never used.
func (m *Manager) validateAccess(token string) tokenizer.Result {
	rules := m.cfg.Rules
	rules.Grace = 0
	if m.cfg.StrictAccess {
		return tokenizer.ValidateAccess(token, rules)
	}
	return tokenizer.Validate(token, rules)
}

// fail records a failed renewal and returns err
func (m *Manager) fail(ctx context.Context, span trace.Span, subject string, err error, latency time.Duration) (core.CredentialPair, error) {
	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeRefreshFailed
		err = core.Wrap(code, "refresh failed", err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	m.metrics.RecordRenewal(metrics.ResultFailure, string(code), latency)
	m.updateStatus(func(s *Status) { s.Error = err.Error() })

	m.events.LogSecurityEvent(ctx, core.SecurityEvent{
		Type:      core.EventRenewFailure,
		SubjectID: subject,
		Details: map[string]string{
			"code":   string(code),
			"reason": err.Error(),
		},
	})
	m.log.Error(err, "refresh failed", "subject", subject, "code", code)

	return core.CredentialPair{}, err
}

// denied handles a biometric denial. A user cancellation is logged as a
// cancellation, never as a hard renewal failure.
func (m *Manager) denied(ctx context.Context, span trace.Span, err error) (core.CredentialPair, error) {
	var denied *securestore.DeniedError
	if errors.As(err, &denied) && denied.Result.Cancelled() {
		span.SetStatus(codes.Error, "cancelled")
		m.metrics.RecordRenewal(metrics.ResultCancelled, string(core.CodeBiometricError), 0)
		m.events.LogSecurityEvent(ctx, core.SecurityEvent{
			Type: core.EventRenewCancelled,
			Details: map[string]string{
				"code":    string(core.CodeBiometricError),
				"outcome": string(denied.Result.Outcome),
			},
		})
		m.log.Info("refresh cancelled by user")
		return core.CredentialPair{}, err
	}
	return m.fail(ctx, span, "", err, 0)
}

func (m *Manager) reportValidationFailure(ctx context.Context, kind string, res tokenizer.Result) {
	subject := ""
	if res.Claims != nil {
		subject = res.Claims.Subject
	}
	reasons := make([]string, 0, len(res.Reasons))
	for _, r := range res.Reasons {
		reasons = append(reasons, string(r))
	}
	m.events.LogSecurityEvent(ctx, core.SecurityEvent{
		Type:      core.EventValidationFailure,
		SubjectID: subject,
		Details: map[string]string{
			"credential": kind,
			"reasons":    strings.Join(reasons, ","),
		},
	})
}

// classifyRenewal maps an identity provider failure onto the error taxonomy
func classifyRenewal(err error) error {
	var renewalErr *ports.RenewalError
	if errors.As(err, &renewalErr) {
		switch renewalErr.Kind {
		case ports.RenewalExpired:
			return core.Wrap(core.CodeTokenExpired, "renewal credential rejected as expired", err)
		case ports.RenewalInvalid:
			return core.Wrap(core.CodeTokenInvalid, "renewal credential rejected", err)
		case ports.RenewalRateLimited:
			return core.Wrap(core.CodeRefreshFailed, "renewal rate limited", err)
		}
	}
	return core.Wrap(core.CodeRefreshFailed, "renewal endpoint unavailable", err)
}

// Clear removes both credentials and their metadata. Every removal is
// attempted; failures are aggregated into one STORAGE_ERROR. Metadata goes
// first so a pair is never treated as complete once clearing starts.
func (m *Manager) Clear(ctx context.Context) error {
	m.generation.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, key := range []string{KeyMetadata, KeyAccessToken, KeyRefreshToken} {
		if err := m.store.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	m.updateStatus(func(s *Status) {
		*s = Status{LastRenewal: s.LastRenewal, RenewalCount: s.RenewalCount}
	})
	m.metrics.SetAccessExpiry(time.Time{})

	if len(errs) > 0 {
		err := core.Wrap(core.CodeStorageError, "clear credentials", errors.Join(errs...))
		m.log.Error(err, "credentials partially cleared")
		return err
	}
	m.log.Info("cleared credentials")
	return nil
}

// Metadata returns the stored credential metadata, or securestore.ErrNotFound
func (m *Manager) Metadata(ctx context.Context) (core.CredentialMetadata, error) {
	raw, err := m.store.Get(ctx, KeyMetadata)
	if err != nil {
		return core.CredentialMetadata{}, err
	}
	var meta core.CredentialMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return core.CredentialMetadata{}, core.Wrap(core.CodeStorageError, "decode credential metadata", err)
	}
	return meta, nil
}

// NeedsRenewal reports from metadata alone, without a biometric prompt,
// whether the access credential expires within the refresh threshold
func (m *Manager) NeedsRenewal(ctx context.Context) (bool, error) {
	meta, err := m.Metadata(ctx)
	if errors.Is(err, securestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !m.clock.Now().Add(m.cfg.RefreshThreshold).Before(meta.ExpiresAt), nil
}

// CheckRenewal verifies that a renewal credential is present and unexpired
// without revealing it
func (m *Manager) CheckRenewal(ctx context.Context) error {
	meta, err := m.Metadata(ctx)
	if errors.Is(err, securestore.ErrNotFound) {
		return core.New(core.CodeTokenExpired, "no credentials stored")
	}
	if err != nil {
		return err
	}

	ok, err := m.store.Has(ctx, KeyRefreshToken)
	if err != nil {
		return err
	}
	if !ok {
		return core.New(core.CodeTokenExpired, "renewal credential missing")
	}
	if !m.clock.Now().Before(meta.RefreshExpiresAt) {
		return core.New(core.CodeTokenExpired, "renewal credential expired")
	}
	return nil
}

// Reload rebuilds the status snapshot from the stored pair after a restart.
// It reads only the metadata and the ungated access credential.
func (m *Manager) Reload(ctx context.Context) error {
	meta, err := m.Metadata(ctx)
	if err != nil {
		return err
	}
	subject := ""
	if token, err := m.store.Get(ctx, KeyAccessToken); err == nil {
		if claims, err := tokenizer.Decode(token); err == nil {
			subject = claims.Subject
		}
	}

	m.updateStatus(func(s *Status) {
		s.Authenticated = true
		s.Subject = subject
		s.AccessExpiresAt = meta.ExpiresAt
		s.RefreshExpiresAt = meta.RefreshExpiresAt
	})
	m.metrics.SetAccessExpiry(meta.ExpiresAt)
	return nil
}

// Status returns a snapshot of the managed credentials
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	s := m.status
	s.Refreshing = m.refreshing.Load()
	return s
}

func (m *Manager) updateStatus(fn func(s *Status)) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	fn(&m.status)
}
