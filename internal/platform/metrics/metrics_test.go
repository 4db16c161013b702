package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewWithRegistry("test-service", reg)
}

func TestNewWithRegistryRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/v1/analyze", "200", 0.1)
		m.RecordHTTPRequest("POST", "/v1/accounts/select", "503", 0.02)
	})
}

func TestRecordCircuitTransition(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCircuitTransition("closed", "open", 1)
	m.RecordCircuitTransition("open", "half-open", 0)
	m.RecordCircuitTransition("half-open", "closed", -1)

	count := testutil.ToFloat64(m.CircuitTransitionsTotal.WithLabelValues("closed", "open"))
	assert.Equal(t, float64(1), count)
}

func TestRecordCacheActivity(t *testing.T) {
	m := newTestMetrics(t)
	assert.NotPanics(t, func() {
		m.RecordCacheHit("analysis")
		m.RecordCacheMiss("analysis")
		m.RecordCacheStampedeBlocked("analysis")
		m.RecordInvalidation("tag")
	})
}

func TestRecordWebhookOutcomes(t *testing.T) {
	m := newTestMetrics(t)
	assert.NotPanics(t, func() {
		m.RecordWebhookDelivered("account.outcome", 0.2)
		m.RecordWebhookFailed("account.outcome", 0.5)
		m.RecordWebhookDLQ("account.outcome")
	})
}

func TestRecordBudgetAlert(t *testing.T) {
	m := newTestMetrics(t)
	assert.NotPanics(t, func() {
		m.RecordBudgetAlert("org-1", "warning")
		m.RecordBudgetAlert("org-1", "critical")
	})
}

func TestInFlightCounters(t *testing.T) {
	m := newTestMetrics(t)
	assert.NotPanics(t, func() {
		m.IncrementInFlight()
		m.IncrementInFlight()
		m.DecrementInFlight()
	})
}

func TestGlobalSingleton(t *testing.T) {
	first := Init("gatekeeper-test")
	assert.Same(t, first, Global())
}
