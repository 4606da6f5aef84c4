// Package metrics provides Prometheus metrics for the credential agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "credkeeper"

// Result labels for metrics.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
	ResultDiscarded = "discarded"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// RenewalsTotal counts renewal attempts by result and error code.
	RenewalsTotal *prometheus.CounterVec

	// RenewalDuration observes the latency of identity provider renewals.
	RenewalDuration prometheus.Histogram

	// SchedulerChecksTotal counts scheduler checks by trigger and outcome.
	SchedulerChecksTotal *prometheus.CounterVec

	// SecurityEventsTotal counts security events by type.
	SecurityEventsTotal *prometheus.CounterVec

	// RestorationsTotal counts session restorations by result.
	RestorationsTotal *prometheus.CounterVec

	// AccessTokenExpiry is the unix time the stored access credential expires.
	AccessTokenExpiry prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "renewals_total",
				Help:      "Total number of credential renewals",
			},
			[]string{"result", "code"},
		),
		RenewalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "renewal_duration_seconds",
				Help:      "Latency of identity provider renewal calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SchedulerChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "checks_total",
				Help:      "Total number of scheduler renewal checks",
			},
			[]string{"trigger", "outcome"},
		),
		SecurityEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "security_events_total",
				Help:      "Total number of security events logged",
			},
			[]string{"type"},
		),
		RestorationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "restorations_total",
				Help:      "Total number of session restoration attempts",
			},
			[]string{"result"},
		),
		AccessTokenExpiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "access_token_expiry_timestamp_seconds",
				Help:      "Unix time at which the stored access credential expires (0 when none)",
			},
		),
	}

	reg.MustRegister(
		m.RenewalsTotal,
		m.RenewalDuration,
		m.SchedulerChecksTotal,
		m.SecurityEventsTotal,
		m.RestorationsTotal,
		m.AccessTokenExpiry,
	)

	return m
}

// RecordRenewal records a renewal outcome
func (m *Metrics) RecordRenewal(result, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RenewalsTotal.WithLabelValues(result, code).Inc()
	if d > 0 {
		m.RenewalDuration.Observe(d.Seconds())
	}
}

// RecordCheck records a scheduler check
func (m *Metrics) RecordCheck(trigger, outcome string) {
	if m == nil {
		return
	}
	m.SchedulerChecksTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordSecurityEvent records a logged security event
func (m *Metrics) RecordSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.SecurityEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRestoration records a session restoration outcome
func (m *Metrics) RecordRestoration(result string) {
	if m == nil {
		return
	}
	m.RestorationsTotal.WithLabelValues(result).Inc()
}

// SetAccessExpiry publishes the expiry of the stored access credential
func (m *Metrics) SetAccessExpiry(t time.Time) {
	if m == nil {
		return
	}
	if t.IsZero() {
		m.AccessTokenExpiry.Set(0)
		return
	}
	m.AccessTokenExpiry.Set(float64(t.Unix()))
}
