package service

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
	"github.com/layer-3/credkeeper/ports"
	"github.com/layer-3/credkeeper/service/biometric"
	"github.com/layer-3/credkeeper/service/lifecycle"
	"github.com/layer-3/credkeeper/service/monitor"
	"github.com/layer-3/credkeeper/service/scheduler"
	"github.com/layer-3/credkeeper/service/securestore"
	"github.com/layer-3/credkeeper/service/session"
)

// Action asks the application for user-facing action: re-login or a
// biometric prompt
type Action = scheduler.Action

// ActionFunc receives actions
type ActionFunc func(ctx context.Context, action Action)

// Dependencies are the platform capabilities the service is built on
type Dependencies struct {
	Storage    ports.SecureStorage
	Identity   ports.IdentityProvider
	Biometrics ports.Biometrics
	Device     ports.DeviceInfo

	// Optional
	Publisher ports.EventPublisher
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    logr.Logger
}

// Config groups the per-component configuration
type Config struct {
	Lifecycle lifecycle.Config
	Scheduler scheduler.Config
	Session   session.Config
	Monitor   monitor.Config
}

// DefaultConfig returns every component's defaults
func DefaultConfig() Config {
	return Config{
		Lifecycle: lifecycle.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Session:   session.DefaultConfig(),
		Monitor:   monitor.DefaultConfig(),
	}
}

// Status is a snapshot of the authentication state
type Status struct {
	lifecycle.Status
	Restored       bool            `json:"restored"`
	SchedulerState scheduler.State `json:"scheduler_state"`
	RetryAttempt   int             `json:"retry_attempt"`
}

// AuthService composes the credential subsystem and is the only owner of
// its components
type AuthService struct {
	log logr.Logger

	store     *securestore.Store
	gate      *biometric.Gate
	lifecycle *lifecycle.Manager
	scheduler *scheduler.Scheduler
	sessions  *session.Coordinator
	monitor   *monitor.Monitor

	mu       sync.RWMutex
	restored bool
	actions  map[uint64]ActionFunc
	nextID   uint64
}

// NewAuthService creates a new authentication service
func NewAuthService(deps Dependencies, cfg Config) *AuthService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := deps.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	s := &AuthService{
		log:     log.WithName("auth"),
		actions: make(map[uint64]ActionFunc),
	}

	monitorOpts := []monitor.Option{monitor.WithMetrics(deps.Metrics)}
	if deps.Publisher != nil {
		monitorOpts = append(monitorOpts, monitor.WithPublisher(deps.Publisher))
	}
	s.monitor = monitor.New(deps.Device, clk, cfg.Monitor, log, monitorOpts...)

	s.gate = biometric.NewGate(deps.Biometrics, log)
	s.store = securestore.New(deps.Storage, s.gate, clk, log)
	s.lifecycle = lifecycle.NewManager(s.store, deps.Identity, s.monitor, clk, cfg.Lifecycle, log,
		lifecycle.WithMetrics(deps.Metrics),
	)
	s.scheduler = scheduler.New(s.lifecycle, s.monitor, clk, cfg.Scheduler, log,
		scheduler.WithMetrics(deps.Metrics),
		scheduler.WithActionHandler(s.dispatch),
	)
	s.sessions = session.NewCoordinator(s.store, s.lifecycle, deps.Device, s.monitor, clk, cfg.Session, log, deps.Metrics)
	s.monitor.SetWipe(s.wipe)

	return s
}

// SignIn stores a freshly issued credential pair and starts a session for
// its subject
func (s *AuthService) SignIn(ctx context.Context, pair core.CredentialPair) error {
	if err := s.lifecycle.StorePair(ctx, pair); err != nil {
		return err
	}

	subject := s.lifecycle.Status().Subject
	if err := s.sessions.SaveSession(ctx, subject); err != nil {
		return err
	}

	s.mu.Lock()
	s.restored = false
	s.mu.Unlock()

	s.scheduler.Resume()
	s.log.Info("signed in", "subject", subject)
	return nil
}

// Restore re-establishes the session persisted before a restart. On any
// failure the stored credentials are gone and it returns "", false.
func (s *AuthService) Restore(ctx context.Context) (string, bool) {
	subject, ok := s.sessions.RestoreSession(ctx)
	if !ok {
		return "", false
	}

	if err := s.lifecycle.Reload(ctx); err != nil {
		s.log.Error(err, "restored session has no usable credentials", "subject", subject)
		if err := s.wipe(ctx, "restored session has no usable credentials"); err != nil {
			s.log.Error(err, "cleanup after failed restore")
		}
		return "", false
	}

	s.mu.Lock()
	s.restored = true
	s.mu.Unlock()
	return subject, true
}

// AccessToken returns a valid access credential, renewing it if needed. It
// returns "" when nobody is signed in.
func (s *AuthService) AccessToken(ctx context.Context) (string, error) {
	token, err := s.lifecycle.AccessToken(ctx)
	if err != nil || token == "" {
		return token, err
	}
	if err := s.sessions.Touch(ctx); err != nil {
		s.log.V(1).Info("failed to record session activity", "error", err.Error())
	}
	return token, nil
}

// Refresh forces a renewal of the credential pair
func (s *AuthService) Refresh(ctx context.Context) (core.CredentialPair, error) {
	return s.lifecycle.Refresh(ctx)
}

// SignOut removes the credentials and the session. Every removal is
// attempted.
func (s *AuthService) SignOut(ctx context.Context) error {
	err := s.clear(ctx)
	if err != nil {
		s.log.Error(err, "sign out incomplete")
		return err
	}
	s.log.Info("signed out")
	return nil
}

// HandleLifecycle forwards an application foreground/background transition
func (s *AuthService) HandleLifecycle(event core.LifecycleEvent) {
	s.scheduler.HandleLifecycle(event)
}

// Start starts automatic renewal
func (s *AuthService) Start(ctx context.Context) {
	s.scheduler.Start(ctx)
}

// Stop stops automatic renewal and waits for background renewals
func (s *AuthService) Stop() {
	s.scheduler.Stop()
	s.lifecycle.Wait()
}

// Events returns the security event log, oldest first
func (s *AuthService) Events() []core.SecurityEvent {
	return s.monitor.Events()
}

// OnAlert subscribes to security alerts
func (s *AuthService) OnAlert(fn monitor.AlertFunc) (unsubscribe func()) {
	return s.monitor.OnAlert(fn)
}

// OnAction subscribes to requests for user action: a renewal failed in a
// way only the user can fix, or the credentials were wiped
func (s *AuthService) OnAction(fn ActionFunc) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.actions[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.actions, id)
		})
	}
}

// ForceLogout raises a critical security alert, wiping the credentials and
// session before alert subscribers run
func (s *AuthService) ForceLogout(ctx context.Context, reason string) error {
	return s.monitor.ForceLogout(ctx, reason)
}

// Status returns a snapshot of the authentication state
func (s *AuthService) Status() Status {
	s.mu.RLock()
	restored := s.restored
	s.mu.RUnlock()

	return Status{
		Status:         s.lifecycle.Status(),
		Restored:       restored,
		SchedulerState: s.scheduler.State(),
		RetryAttempt:   s.scheduler.Attempt(),
	}
}

func (s *AuthService) clear(ctx context.Context) error {
	err := errors.Join(
		s.lifecycle.Clear(ctx),
		s.sessions.DeleteSession(ctx),
	)

	s.mu.Lock()
	s.restored = false
	s.mu.Unlock()

	return err
}

// wipe is run by the monitor on critical alerts
func (s *AuthService) wipe(ctx context.Context, reason string) error {
	err := s.clear(ctx)
	s.dispatch(ctx, Action{
		Code: core.CodeTokenExpired,
		Err:  core.New(core.CodeTokenExpired, "signed out: "+reason),
	})
	return err
}

func (s *AuthService) dispatch(ctx context.Context, action Action) {
	s.mu.RLock()
	handlers := make([]ActionFunc, 0, len(s.actions))
	for _, fn := range s.actions {
		handlers = append(handlers, fn)
	}
	s.mu.RUnlock()

	s.log.Info("user action required", "code", action.Code)
	for _, fn := range handlers {
		s.deliver(ctx, fn, action)
	}
}

func (s *AuthService) deliver(ctx context.Context, fn ActionFunc, action Action) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("action handler panicked", "code", action.Code, "panic", r)
		}
	}()
	fn(ctx, action)
}
