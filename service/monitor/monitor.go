// Package monitor keeps the security event log, detects anomalies and raises
// alerts. A critical alert that requires action wipes the credentials and
// session before any subscriber is notified.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/metrics"
	"github.com/layer-3/credkeeper/ports"
)

const (
	DefaultCapacity         = 100
	DefaultAnomalyThreshold = 3
	DefaultAnomalyWindow    = 5 * time.Minute
)

// Config tunes the monitor
type Config struct {
	// Capacity bounds the event log; the oldest events are evicted first
	Capacity int
	// AnomalyThreshold validation failures within AnomalyWindow raise an anomaly
	AnomalyThreshold int
	AnomalyWindow    time.Duration
}

// DefaultConfig returns a 100 event log and 3 failures in 5 minutes
func DefaultConfig() Config {
	return Config{
		Capacity:         DefaultCapacity,
		AnomalyThreshold: DefaultAnomalyThreshold,
		AnomalyWindow:    DefaultAnomalyWindow,
	}
}

// WipeFunc clears credentials and session state
type WipeFunc func(ctx context.Context, reason string) error

// AlertFunc receives alerts
type AlertFunc func(alert core.Alert)

// Option configures optional collaborators
type Option func(*Monitor)

// WithPublisher fans events and alerts out through p
func WithPublisher(p ports.EventPublisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithMetrics counts logged events in mt
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// Monitor is the security monitor. It is the only writer of the event log.
type Monitor struct {
	device    ports.DeviceInfo
	clock     clock.Clock
	cfg       Config
	log       logr.Logger
	publisher ports.EventPublisher
	metrics   *metrics.Metrics

	mu       sync.Mutex
	ring     []core.SecurityEvent
	next     int
	full     bool
	failures []time.Time

	subMu  sync.RWMutex
	subs   map[uint64]AlertFunc
	nextID uint64
	wipe   WipeFunc
}

// New creates a monitor
func New(device ports.DeviceInfo, clk clock.Clock, cfg Config, log logr.Logger, opts ...Option) *Monitor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = DefaultAnomalyWindow
	}

	m := &Monitor{
		device: device,
		clock:  clk,
		cfg:    cfg,
		log:    log.WithName("monitor"),
		ring:   make([]core.SecurityEvent, cfg.Capacity),
		subs:   make(map[uint64]AlertFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetWipe installs the function run first on every critical, action
// required alert
func (m *Monitor) SetWipe(fn WipeFunc) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.wipe = fn
}

// OnAlert subscribes fn to alerts. The returned func unsubscribes.
func (m *Monitor) OnAlert(fn AlertFunc) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(m.subs, id)
		})
	}
}

// Severity classifies an event type
func Severity(t core.EventType) core.Severity {
	switch t {
	case core.EventRenewFailure, core.EventValidationFailure, core.EventSessionRejected:
		return core.SeverityWarning
	case core.EventAnomaly:
		return core.SeverityCritical
	default:
		return core.SeverityInfo
	}
}

// LogSecurityEvent appends event to the log, filling in its id, timestamp
// and device id, and evaluates the anomaly rules. Warnings are delivered to
// subscribers; an anomaly raises a critical alert.
func (m *Monitor) LogSecurityEvent(ctx context.Context, event core.SecurityEvent) {
	event = m.record(ctx, event)

	if reason := m.detect(event); reason != "" {
		m.anomaly(ctx, event.SubjectID, reason)
		return
	}

	if Severity(event.Type) == core.SeverityWarning {
		m.raise(ctx, core.Alert{
			Severity: core.SeverityWarning,
			Type:     event.Type,
			Message:  describe(event),
			Event:    event,
		})
	}
}

// ForceLogout raises a critical alert that wipes the credentials and
// session. It returns the wipe error, if any.
func (m *Monitor) ForceLogout(ctx context.Context, reason string) error {
	return m.anomaly(ctx, "", "forced logout: "+reason)
}

// Events returns a copy of the log, oldest first
func (m *Monitor) Events() []core.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.SecurityEvent
	if m.full {
		out = make([]core.SecurityEvent, 0, len(m.ring))
		out = append(out, m.ring[m.next:]...)
		out = append(out, m.ring[:m.next]...)
	} else {
		out = append(make([]core.SecurityEvent, 0, m.next), m.ring[:m.next]...)
	}
	for i := range out {
		out[i].Details = maps.Clone(out[i].Details)
	}
	return out
}

func (m *Monitor) record(ctx context.Context, event core.SecurityEvent) core.SecurityEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock.Now().UTC()
	}
	if event.DeviceID == "" && m.device != nil {
		event.DeviceID = m.device.DeviceID()
	}
	event.Details = maps.Clone(event.Details)

	m.mu.Lock()
	m.ring[m.next] = event
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	m.metrics.RecordSecurityEvent(string(event.Type))
	m.log.V(1).Info("security event", "type", event.Type, "subject", event.SubjectID, "id", event.ID)

	if m.publisher != nil {
		if err := m.publisher.PublishSecurityEvent(ctx, event); err != nil {
			m.log.Error(err, "failed to publish security event", "type", event.Type, "id", event.ID)
		}
	}

	out := event
	out.Details = maps.Clone(event.Details)
	return out
}

// detect evaluates the anomaly rules against event and returns the anomaly
// reason, or ""
func (m *Monitor) detect(event core.SecurityEvent) string {
	switch event.Type {
	case core.EventValidationFailure:
		m.mu.Lock()
		defer m.mu.Unlock()

		cutoff := event.Timestamp.Add(-m.cfg.AnomalyWindow)
		kept := m.failures[:0]
		for _, at := range m.failures {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		m.failures = append(kept, event.Timestamp)
		if len(m.failures) >= m.cfg.AnomalyThreshold {
			n := len(m.failures)
			m.failures = nil
			return fmt.Sprintf("%d validation failures within %s", n, m.cfg.AnomalyWindow)
		}
	case core.EventRenewFailure:
		if event.Details["code"] == string(core.CodeTokenInvalid) {
			return "renewal credential rejected as invalid"
		}
	}
	return ""
}

// anomaly records an anomaly event and raises a critical alert
func (m *Monitor) anomaly(ctx context.Context, subject, reason string) error {
	event := m.record(ctx, core.SecurityEvent{
		Type:      core.EventAnomaly,
		SubjectID: subject,
		Details:   map[string]string{"reason": reason},
	})
	m.log.Info("security anomaly detected", "subject", subject, "reason", reason)

	return m.raise(ctx, core.Alert{
		Severity:       core.SeverityCritical,
		Type:           core.EventAnomaly,
		Message:        reason,
		ActionRequired: true,
		Event:          event,
	})
}

// raise delivers alert. A critical, action required alert runs the wipe
// first; a failing or panicking subscriber never affects the wipe or the
// other subscribers.
func (m *Monitor) raise(ctx context.Context, alert core.Alert) error {
	m.subMu.RLock()
	wipe := m.wipe
	subs := make([]AlertFunc, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	var wipeErr error
	if alert.Severity == core.SeverityCritical && alert.ActionRequired && wipe != nil {
		if wipeErr = wipe(ctx, alert.Message); wipeErr != nil {
			m.log.Error(wipeErr, "emergency wipe failed", "reason", alert.Message)
		} else {
			m.log.Info("credentials wiped", "reason", alert.Message)
		}
	}

	for _, fn := range subs {
		m.deliver(fn, alert)
	}

	if m.publisher != nil {
		if err := m.publisher.PublishAlert(ctx, alert); err != nil {
			m.log.Error(err, "failed to publish alert", "severity", alert.Severity)
		}
	}
	return wipeErr
}

func (m *Monitor) deliver(fn AlertFunc, alert core.Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(fmt.Errorf("panic: %v", r), "alert subscriber panicked", "severity", alert.Severity)
		}
	}()
	fn(alert)
}

func describe(event core.SecurityEvent) string {
	msg := string(event.Type)
	if reason := event.Details["reason"]; reason != "" {
		msg += ": " + reason
	}
	return msg
}
