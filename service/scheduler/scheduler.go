// Package scheduler renews credentials ahead of expiry, on a periodic timer
// and whenever the application returns to the foreground.
//
// The scheduler is a small state machine:
//
//	Idle -> Scheduled -> Checking -> Refreshing -> Scheduled
//	                              \-> Scheduled (no renewal needed)
//
// Retryable failures are retried with exponential backoff. Non-retryable
// failures suspend the scheduler and are handed to the action handler until
// Resume is called. Every renewal goes through the lifecycle manager's
// single-flight path, so timer and foreground triggers never duplicate a
// provider call.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
)

const DefaultInterval = 60 * time.Second

// State of the scheduler
type State string

const (
	StateIdle       State = "idle"
	StateScheduled  State = "scheduled"
	StateChecking   State = "checking"
	StateRefreshing State = "refreshing"
	StateSuspended  State = "suspended"
	StateStopped    State = "stopped"
)

// Trigger is what started a check
type Trigger string

const (
	TriggerTick       Trigger = "tick"
	TriggerForeground Trigger = "foreground"
	TriggerRetry      Trigger = "retry"
)

// Check outcomes, used as metric labels
const (
	outcomeNotNeeded         = "not-needed"
	outcomeRenewed           = "renewed"
	outcomeRetry             = "retry"
	outcomeExhausted         = "exhausted"
	outcomeSuspended         = "suspended"
	outcomeSkippedBusy       = "skipped-busy"
	outcomeSkippedBackground = "skipped-background"
	outcomeSuperseded        = "superseded"
)

// Renewer is the renewal path of the lifecycle manager
type Renewer interface {
	NeedsRenewal(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (core.CredentialPair, error)
	Refreshing() bool
}

// EventLogger receives security events
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, event core.SecurityEvent)
}

// Action is a non-retryable failure needing user-facing action: re-login
// for TOKEN_EXPIRED and TOKEN_INVALID, a biometric prompt for BIOMETRIC_ERROR.
type Action struct {
	Code core.Code
	Err  error
}

// ActionHandler is called when the scheduler suspends
type ActionHandler func(ctx context.Context, action Action)

// Config tunes the scheduler
type Config struct {
	Interval time.Duration
	Retry    RetryPolicy
	// PauseInBackground stops the timer while the app is backgrounded
	PauseInBackground bool
	// ForegroundOnly skips and reschedules checks that fire in the background
	ForegroundOnly bool
}

// DefaultConfig returns a 60s interval with the default retry policy
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Retry:    DefaultRetryPolicy(),
	}
}

// Option configures optional collaborators
type Option func(*Scheduler)

// WithMetrics records checks in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithActionHandler sets the handler called on non-retryable failures
func WithActionHandler(fn ActionHandler) Option {
	return func(s *Scheduler) { s.onAction = fn }
}

// Scheduler drives automatic renewal
type Scheduler struct {
	renewer Renewer
	events  EventLogger
	clock   clock.Clock
	cfg     Config
	log     logr.Logger

	metrics  *metrics.Metrics
	onAction ActionHandler

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	state      State
	timer      clock.Timer
	attempt    int
	background bool
	lastCheck  time.Time
}

// New creates a scheduler. It does nothing until Start.
func New(renewer Renewer, events EventLogger, clk clock.Clock, cfg Config, log logr.Logger, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	cfg.Retry = cfg.Retry.withDefaults()

	s := &Scheduler{
		renewer: renewer,
		events:  events,
		clock:   clk,
		cfg:     cfg,
		log:     log.WithName("scheduler"),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the periodic timer. Renewals run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.attempt = 0
	s.state = StateIdle
	s.scheduleLocked(s.cfg.Interval, TriggerTick)

	s.log.Info("scheduler started", "interval", s.cfg.Interval)
}

// Stop disarms the timer and cancels the renewal context. A stopped
// scheduler can be started again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateStopped
	s.log.Info("scheduler stopped")
}

// Resume leaves the suspended state, typically after the user signed in
// again, and rearms the periodic timer
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSuspended {
		return
	}
	s.attempt = 0
	s.state = StateIdle
	s.scheduleLocked(s.cfg.Interval, TriggerTick)
	s.log.Info("scheduler resumed")
}

// HandleLifecycle reacts to foreground and background transitions. Returning
// to the foreground forces an immediate check and resets the attempt counter.
func (s *Scheduler) HandleLifecycle(event core.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event {
	case core.LifecycleBackground:
		s.background = true
		if s.cfg.PauseInBackground && s.state == StateScheduled {
			s.stopTimerLocked()
			s.state = StateIdle
			s.log.V(1).Info("paused in background")
		}
	case core.LifecycleForeground:
		s.background = false
		if s.state == StateSuspended || s.state == StateStopped || s.ctx == nil {
			return
		}
		s.attempt = 0
		s.scheduleLocked(0, TriggerForeground)
	}
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of consecutive retryable failures
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// LastCheck returns when the last check ran
func (s *Scheduler) LastCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck
}

func (s *Scheduler) scheduleLocked(d time.Duration, trigger Trigger) {
	s.stopTimerLocked()
	s.timer = s.clock.AfterFunc(d, func() { s.run(trigger) })
	if s.state == StateIdle || s.state == StateScheduled {
		s.state = StateScheduled
	}
	s.log.V(1).Info("check scheduled", "trigger", trigger, "delay", d)
}

// rescheduleLocked arms the next check after one finished, unless the
// timer is paused in the background
func (s *Scheduler) rescheduleLocked(d time.Duration, trigger Trigger) {
	if s.background && s.cfg.PauseInBackground {
		s.stopTimerLocked()
		s.state = StateIdle
		return
	}
	s.scheduleLocked(d, trigger)
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) run(trigger Trigger) {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateSuspended:
		s.mu.Unlock()
		return
	case StateChecking, StateRefreshing:
		s.mu.Unlock()
		s.skip(trigger, outcomeSkippedBusy, "skipped: already refreshing")
		return
	}
	if s.renewer.Refreshing() {
		s.rescheduleLocked(s.cfg.Interval, TriggerTick)
		s.mu.Unlock()
		s.skip(trigger, outcomeSkippedBusy, "skipped: already refreshing")
		return
	}
	if s.background && s.cfg.ForegroundOnly {
		s.rescheduleLocked(s.cfg.Interval, TriggerTick)
		s.mu.Unlock()
		s.skip(trigger, outcomeSkippedBackground, "skipped: app backgrounded")
		return
	}

	if trigger != TriggerRetry {
		s.attempt = 0
	}
	s.timer = nil
	s.state = StateChecking
	s.lastCheck = s.clock.Now()
	ctx := s.ctx
	s.mu.Unlock()

	needs, err := s.renewer.NeedsRenewal(ctx)
	if err == nil && !needs {
		s.finish(trigger, outcomeNotNeeded)
		return
	}
	if err == nil {
		s.mu.Lock()
		if s.state == StateChecking {
			s.state = StateRefreshing
		}
		s.mu.Unlock()
		_, err = s.renewer.Refresh(ctx)
	}

	if err == nil {
		s.finish(trigger, outcomeRenewed)
		return
	}
	s.handleFailure(ctx, trigger, err)
}

// activeLocked reports whether the check that is finishing still owns the state.
// Stop and Suspend during a check win over its result.
func (s *Scheduler) activeLocked() bool {
	return s.state == StateChecking || s.state == StateRefreshing
}

func (s *Scheduler) finish(trigger Trigger, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.RecordCheck(string(trigger), outcome)
	if !s.activeLocked() {
		return
	}
	s.state = StateIdle
	s.attempt = 0
	s.rescheduleLocked(s.cfg.Interval, TriggerTick)
	s.log.V(1).Info("check finished", "trigger", trigger, "outcome", outcome)
}

func (s *Scheduler) handleFailure(ctx context.Context, trigger Trigger, err error) {
	if errors.Is(err, core.ErrSuperseded) {
		s.finish(trigger, outcomeSuperseded)
		return
	}

	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeRefreshFailed
	}

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return
	}

	if !code.Retryable() {
		s.stopTimerLocked()
		s.state = StateSuspended
		onAction := s.onAction
		s.mu.Unlock()

		s.metrics.RecordCheck(string(trigger), outcomeSuspended)
		s.log.Info("renewal needs user action, scheduler suspended", "trigger", trigger, "code", code)
		if onAction != nil {
			onAction(ctx, Action{Code: code, Err: err})
		}
		return
	}

	s.state = StateIdle
	s.attempt++
	attempt := s.attempt
	if attempt <= s.cfg.Retry.MaxAttempts {
		delay := s.cfg.Retry.Delay(attempt)
		s.rescheduleLocked(delay, TriggerRetry)
		s.mu.Unlock()

		s.metrics.RecordCheck(string(trigger), outcomeRetry)
		s.log.Info("renewal failed, retrying", "trigger", trigger, "code", code, "attempt", attempt, "delay", delay)
		return
	}

	// Wait for the next natural tick or foreground transition
	s.attempt = 0
	s.rescheduleLocked(s.cfg.Interval, TriggerTick)
	s.mu.Unlock()

	s.metrics.RecordCheck(string(trigger), outcomeExhausted)
	s.log.Error(err, "renewal retries exhausted", "code", code, "attempt", attempt)
	s.events.LogSecurityEvent(ctx, core.SecurityEvent{
		Type: core.EventRenewFailure,
		Details: map[string]string{
			"code":     string(code),
			"reason":   "retries exhausted",
			"attempts": strconv.Itoa(attempt),
		},
	})
}

func (s *Scheduler) skip(trigger Trigger, outcome, msg string) {
	s.metrics.RecordCheck(string(trigger), outcome)
	s.log.Info(msg, "trigger", trigger)
}
