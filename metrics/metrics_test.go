package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRenewal(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordRenewal(ResultSuccess, "", 250*time.Millisecond)
	m.RecordRenewal(ResultFailure, "REFRESH_FAILED", 0)
	m.RecordRenewal(ResultFailure, "REFRESH_FAILED", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RenewalsTotal.WithLabelValues(ResultSuccess, "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RenewalsTotal.WithLabelValues(ResultFailure, "REFRESH_FAILED")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RenewalDuration))
}

func TestSetAccessExpiry(t *testing.T) {
	m := New(prometheus.NewRegistry())

	expiry := time.Unix(1_800_000_000, 0)
	m.SetAccessExpiry(expiry)
	assert.Equal(t, 1.8e9, testutil.ToFloat64(m.AccessTokenExpiry))

	m.SetAccessExpiry(time.Time{})
	assert.Zero(t, testutil.ToFloat64(m.AccessTokenExpiry))
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordCheck("tick", "refreshed")
	m.RecordSecurityEvent("anomaly")
	m.RecordRestoration(ResultSuccess)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerChecksTotal.WithLabelValues("tick", "refreshed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityEventsTotal.WithLabelValues("anomaly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestorationsTotal.WithLabelValues(ResultSuccess)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRenewal(ResultSuccess, "", time.Second)
		m.RecordCheck("tick", "idle")
		m.RecordSecurityEvent("anomaly")
		m.RecordRestoration(ResultFailure)
		m.SetAccessExpiry(time.Now())
	})
}
