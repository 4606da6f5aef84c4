package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
)

type fakeRenewer struct {
	mu           sync.Mutex
	needs        bool
	needsErr     error
	refreshErrs  []error
	refreshCalls int
	checks       int
	refreshing   bool

	// When set, Refresh closes started and waits for release
	started chan struct{}
	release chan struct{}
}

func (f *fakeRenewer) NeedsRenewal(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.needs, f.needsErr
}

func (f *fakeRenewer) Refresh(ctx context.Context) (core.CredentialPair, error) {
	f.mu.Lock()
	f.refreshCalls++
	var err error
	if len(f.refreshErrs) > 0 {
		err, f.refreshErrs = f.refreshErrs[0], f.refreshErrs[1:]
	}
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}
	return core.CredentialPair{}, err
}

func (f *fakeRenewer) Refreshing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshing
}

func (f *fakeRenewer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type recorder struct {
	mu     sync.Mutex
	events []core.SecurityEvent
}

func (r *recorder) LogSecurityEvent(_ context.Context, event core.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []core.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.SecurityEvent(nil), r.events...)
}

var refreshFailed = core.New(core.CodeRefreshFailed, "renewal endpoint unavailable")

type fixture struct {
	clock   *clock.Fake
	renewer *fakeRenewer
	events  *recorder
	metrics *metrics.Metrics
	sched   *Scheduler
	actions []Action
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		renewer: &fakeRenewer{},
		events:  &recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.sched = New(f.renewer, f.events, f.clock, cfg, logr.Discard(),
		WithMetrics(f.metrics),
		WithActionHandler(func(_ context.Context, a Action) { f.actions = append(f.actions, a) }),
	)
	t.Cleanup(f.sched.Stop)
	return f
}

func (f *fixture) nextIn(t *testing.T) time.Duration {
	t.Helper()
	deadline, ok := f.clock.NextDeadline()
	require.True(t, ok, "no check scheduled")
	return deadline.Sub(f.clock.Now())
}

func (f *fixture) checks(trigger Trigger, outcome string) float64 {
	return testutil.ToFloat64(f.metrics.SchedulerChecksTotal.WithLabelValues(string(trigger), outcome))
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 16 * time.Second, MaxAttempts: 10}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, delay := range want {
		assert.Equal(t, delay, policy.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 16*time.Second, policy.Delay(10))
	assert.Equal(t, time.Second, policy.Delay(0))
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, 5*time.Second, policy.Delay(1))
	assert.Equal(t, 10*time.Second, policy.Delay(2))
	assert.Equal(t, 20*time.Second, policy.Delay(3))
	assert.Equal(t, 30*time.Second, policy.Delay(4))
}

func TestStartSchedulesPeriodicCheck(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	assert.Equal(t, StateIdle, f.sched.State())

	f.sched.Start(context.Background())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Equal(t, DefaultInterval, f.nextIn(t))

	f.clock.Advance(DefaultInterval)

	assert.Equal(t, 1, f.renewer.checks)
	assert.Zero(t, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Equal(t, DefaultInterval, f.nextIn(t))
	assert.Equal(t, 1.0, f.checks(TriggerTick, outcomeNotNeeded))
	assert.Equal(t, f.clock.Now(), f.sched.LastCheck())
}

func TestTickRenewsWhenNeeded(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)

	assert.Equal(t, 1, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Equal(t, DefaultInterval, f.nextIn(t))
	assert.Equal(t, 1.0, f.checks(TriggerTick, outcomeRenewed))
}

func TestRetryableFailureBacksOff(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.renewer.refreshErrs = []error{refreshFailed, refreshFailed, refreshFailed, refreshFailed}
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)
	assert.Equal(t, 1, f.renewer.calls())
	assert.Equal(t, 1, f.sched.Attempt())
	assert.Equal(t, 5*time.Second, f.nextIn(t))

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 2, f.renewer.calls())
	assert.Equal(t, 10*time.Second, f.nextIn(t))

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 3, f.renewer.calls())
	assert.Equal(t, 20*time.Second, f.nextIn(t))
	assert.Empty(t, f.events.all())

	// Fourth consecutive failure exhausts the policy
	f.clock.Advance(20 * time.Second)
	assert.Equal(t, 4, f.renewer.calls())
	assert.Equal(t, 0, f.sched.Attempt())
	assert.Equal(t, DefaultInterval, f.nextIn(t), "auto-retry stops until the next natural tick")

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, core.EventRenewFailure, events[0].Type)
	assert.Equal(t, "retries exhausted", events[0].Details["reason"])
	assert.Equal(t, "REFRESH_FAILED", events[0].Details["code"])
	assert.Equal(t, 1.0, f.checks(TriggerRetry, outcomeExhausted))

	f.clock.Advance(DefaultInterval)
	assert.Equal(t, 5, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Empty(t, f.actions)
}

func TestStorageErrorDuringCheckIsRetried(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needsErr = core.New(core.CodeStorageError, "keychain unavailable")
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)

	assert.Zero(t, f.renewer.calls())
	assert.Equal(t, 1, f.sched.Attempt())
	assert.Equal(t, 5*time.Second, f.nextIn(t))
}

func TestUnclassifiedErrorIsRetried(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.renewer.refreshErrs = []error{errors.New("boom")}
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)

	assert.Equal(t, 1, f.sched.Attempt())
	assert.Equal(t, StateScheduled, f.sched.State())
}

func TestNonRetryableFailureSuspends(t *testing.T) {
	for _, code := range []core.Code{core.CodeTokenExpired, core.CodeTokenInvalid, core.CodeBiometricError} {
		t.Run(string(code), func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			f.renewer.needs = true
			f.renewer.refreshErrs = []error{core.New(code, "denied")}
			f.sched.Start(context.Background())

			f.clock.Advance(DefaultInterval)

			assert.Equal(t, StateSuspended, f.sched.State())
			assert.Zero(t, f.clock.Pending())
			require.Len(t, f.actions, 1)
			assert.Equal(t, code, f.actions[0].Code)

			f.clock.Advance(time.Hour)
			f.sched.HandleLifecycle(core.LifecycleForeground)
			f.clock.Advance(0)
			assert.Equal(t, 1, f.renewer.calls(), "no automatic retry while suspended")

			f.sched.Resume()
			assert.Equal(t, StateScheduled, f.sched.State())
			f.clock.Advance(DefaultInterval)
			assert.Equal(t, 2, f.renewer.calls())
			assert.Equal(t, StateScheduled, f.sched.State())
		})
	}
}

func TestSupersededRefreshReschedulesWithoutAction(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.renewer.refreshErrs = []error{refreshFailed, core.ErrSuperseded}
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)
	require.Equal(t, 1, f.sched.Attempt())

	f.clock.Advance(5 * time.Second)

	assert.Equal(t, 2, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Zero(t, f.sched.Attempt())
	assert.Equal(t, DefaultInterval, f.nextIn(t))
	assert.Empty(t, f.actions)
	assert.Empty(t, f.events.all())
	assert.Equal(t, 1.0, f.checks(TriggerRetry, outcomeSuperseded))
}

func TestForegroundForcesImmediateCheckAndResetsAttempts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.renewer.refreshErrs = []error{refreshFailed, refreshFailed, refreshFailed}
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 2, f.sched.Attempt())
	assert.Equal(t, 10*time.Second, f.nextIn(t))

	f.sched.HandleLifecycle(core.LifecycleBackground)
	f.sched.HandleLifecycle(core.LifecycleForeground)
	assert.Equal(t, time.Duration(0), f.nextIn(t))

	f.clock.Advance(0)
	assert.Equal(t, 3, f.renewer.calls())
	assert.Equal(t, 1, f.sched.Attempt(), "counter restarted by the foreground transition")
	assert.Equal(t, 5*time.Second, f.nextIn(t))
	assert.Equal(t, 1.0, f.checks(TriggerForeground, outcomeRetry))
}

func TestReentrantTriggerIsSkipped(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.renewer.started = make(chan struct{})
	f.renewer.release = make(chan struct{})
	f.sched.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.clock.Advance(DefaultInterval)
	}()
	<-f.renewer.started
	assert.Equal(t, StateRefreshing, f.sched.State())

	f.sched.HandleLifecycle(core.LifecycleForeground)
	f.clock.Advance(0)
	assert.Equal(t, 1.0, f.checks(TriggerForeground, outcomeSkippedBusy))

	close(f.renewer.release)
	<-done

	assert.Equal(t, 1, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Equal(t, DefaultInterval, f.nextIn(t))
}

func TestSkipsWhileManagerIsRefreshing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.renewer.refreshing = true
	f.sched.Start(context.Background())

	f.clock.Advance(DefaultInterval)

	assert.Zero(t, f.renewer.checks)
	assert.Zero(t, f.renewer.calls())
	assert.Equal(t, DefaultInterval, f.nextIn(t))
	assert.Equal(t, 1.0, f.checks(TriggerTick, outcomeSkippedBusy))
}

func TestForegroundOnlySkipsInBackground(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForegroundOnly = true
	f := newFixture(t, cfg)
	f.renewer.needs = true
	f.sched.Start(context.Background())

	f.sched.HandleLifecycle(core.LifecycleBackground)
	f.clock.Advance(DefaultInterval)

	assert.Zero(t, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
	assert.Equal(t, DefaultInterval, f.nextIn(t), "rescheduled")
	assert.Equal(t, 1.0, f.checks(TriggerTick, outcomeSkippedBackground))

	f.sched.HandleLifecycle(core.LifecycleForeground)
	f.clock.Advance(0)
	assert.Equal(t, 1, f.renewer.calls())
}

func TestTicksContinueInBackgroundByDefault(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.sched.Start(context.Background())

	f.sched.HandleLifecycle(core.LifecycleBackground)
	f.clock.Advance(DefaultInterval)

	assert.Equal(t, 1, f.renewer.calls())
}

func TestPauseInBackground(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PauseInBackground = true
	f := newFixture(t, cfg)
	f.renewer.needs = true
	f.sched.Start(context.Background())

	f.sched.HandleLifecycle(core.LifecycleBackground)
	assert.Equal(t, StateIdle, f.sched.State())
	assert.Zero(t, f.clock.Pending())

	f.clock.Advance(time.Hour)
	assert.Zero(t, f.renewer.calls())

	f.sched.HandleLifecycle(core.LifecycleForeground)
	f.clock.Advance(0)
	assert.Equal(t, 1, f.renewer.calls())
	assert.Equal(t, StateScheduled, f.sched.State())
}

func TestStop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.renewer.needs = true
	f.sched.Start(context.Background())

	f.sched.Stop()
	assert.Equal(t, StateStopped, f.sched.State())
	assert.Zero(t, f.clock.Pending())

	f.sched.HandleLifecycle(core.LifecycleForeground)
	f.clock.Advance(time.Hour)
	assert.Zero(t, f.renewer.calls())

	f.sched.Start(context.Background())
	assert.Equal(t, StateScheduled, f.sched.State())
}

func TestForegroundBeforeStartIsIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.sched.HandleLifecycle(core.LifecycleForeground)

	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, StateIdle, f.sched.State())
}
