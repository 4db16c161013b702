// Package metrics exposes Prometheus collectors for every component.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/runtime"
)

// Metrics bundles the Prometheus collectors used across the service.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	// Circuit breaker (C7).
	CircuitTransitionsTotal *prometheus.CounterVec
	CircuitOpenAccounts     prometheus.Gauge

	// Cache (C3/C4).
	CacheHitsTotal        *prometheus.CounterVec
	CacheMissesTotal      *prometheus.CounterVec
	CacheStampedesBlocked *prometheus.CounterVec
	InvalidationsTotal    *prometheus.CounterVec

	// Account selection (C8/C9).
	AccountSelectionsTotal *prometheus.CounterVec
	AccountLockFailures    *prometheus.CounterVec

	// Rate limiting (C2/C11).
	RateLimitRejectionsTotal *prometheus.CounterVec
	ProviderBackoffsTotal    *prometheus.CounterVec

	// Webhooks (C13).
	WebhookDeliveredTotal *prometheus.CounterVec
	WebhookFailedTotal    *prometheus.CounterVec
	WebhookDLQTotal       *prometheus.CounterVec
	WebhookDeliveryMS     *prometheus.HistogramVec

	// Budget (C12).
	BudgetAlertsTotal *prometheus.CounterVec

	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics bundle registered against the default registerer,
// tagged with serviceName.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics bundle registered against registerer,
// useful for tests that want an isolated prometheus.Registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_errors_total",
			Help: "Total number of errors by code.",
		}, []string{"code"}),

		CircuitTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_circuit_transitions_total",
			Help: "Circuit breaker state transitions by from/to state.",
		}, []string{"from", "to"}),
		CircuitOpenAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_circuit_open_accounts",
			Help: "Number of provider accounts currently in the open state.",
		}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_cache_hits_total",
			Help: "Cache hits by cache name.",
		}, []string{"cache"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_cache_misses_total",
			Help: "Cache misses by cache name.",
		}, []string{"cache"}),
		CacheStampedesBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_cache_stampedes_blocked_total",
			Help: "Requests that waited on an in-flight recompute instead of triggering a duplicate one.",
		}, []string{"cache"}),
		InvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_invalidations_total",
			Help: "Cache invalidations by trigger (direct, tag, prefix).",
		}, []string{"trigger"}),

		AccountSelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_account_selections_total",
			Help: "Account selections by organization and outcome.",
		}, []string{"organization_id", "outcome"}),
		AccountLockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_account_lock_failures_total",
			Help: "Account selection attempts that failed to acquire the account lock.",
		}, []string{"organization_id"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window limiter, by scope.",
		}, []string{"scope"}),
		ProviderBackoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_provider_backoffs_total",
			Help: "Provider-side rate limit backoffs observed, by provider.",
		}, []string{"provider"}),

		WebhookDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_webhook_delivered_total",
			Help: "Webhook deliveries that succeeded, by event type.",
		}, []string{"event_type"}),
		WebhookFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_webhook_failed_total",
			Help: "Webhook delivery attempts that failed, by event type.",
		}, []string{"event_type"}),
		WebhookDLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_webhook_dlq_total",
			Help: "Webhooks moved to the dead-letter queue, by event type.",
		}, []string{"event_type"}),
		WebhookDeliveryMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_webhook_delivery_duration_seconds",
			Help:    "Webhook delivery attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),

		BudgetAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_budget_alerts_total",
			Help: "Budget threshold alerts fired, by organization and threshold.",
		}, []string{"organization_id", "threshold"}),

		DatabaseQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_database_queries_total",
			Help: "Database queries executed, by operation and status.",
		}, []string{"operation", "status"}),
		DatabaseQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_database_query_duration_seconds",
			Help:    "Database query duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		DatabaseConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_database_connections_open",
			Help: "Open database connections.",
		}),

		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_service_uptime_seconds",
			Help: "Service uptime in seconds.",
		}),
		ServiceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_service_info",
			Help: "Service build/environment info.",
		}, []string{"service", "environment"}),
	}

	registerer.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RequestsInFlight, m.ErrorsTotal,
		m.CircuitTransitionsTotal, m.CircuitOpenAccounts,
		m.CacheHitsTotal, m.CacheMissesTotal, m.CacheStampedesBlocked, m.InvalidationsTotal,
		m.AccountSelectionsTotal, m.AccountLockFailures,
		m.RateLimitRejectionsTotal, m.ProviderBackoffsTotal,
		m.WebhookDeliveredTotal, m.WebhookFailedTotal, m.WebhookDLQTotal, m.WebhookDeliveryMS,
		m.BudgetAlertsTotal,
		m.DatabaseQueriesTotal, m.DatabaseQueryDuration, m.DatabaseConnectionsOpen,
		m.ServiceUptime, m.ServiceInfo,
	)

	m.ServiceInfo.WithLabelValues(serviceName, string(getEnvironment())).Set(1)

	return m
}

func getEnvironment() runtime.Environment { return runtime.Env() }

// RecordHTTPRequest records one finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordError increments the error counter for a given error code.
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordCircuitTransition records a breaker state change and keeps the
// open-account gauge roughly in sync (delta is +1 entering open, -1 leaving it).
func (m *Metrics) RecordCircuitTransition(from, to string, openDelta float64) {
	m.CircuitTransitionsTotal.WithLabelValues(from, to).Inc()
	if openDelta != 0 {
		m.CircuitOpenAccounts.Add(openDelta)
	}
}

// RecordCacheHit/RecordCacheMiss/RecordCacheStampedeBlocked record C3 activity.
func (m *Metrics) RecordCacheHit(cache string)  { m.CacheHitsTotal.WithLabelValues(cache).Inc() }
func (m *Metrics) RecordCacheMiss(cache string) { m.CacheMissesTotal.WithLabelValues(cache).Inc() }
func (m *Metrics) RecordCacheStampedeBlocked(cache string) {
	m.CacheStampedesBlocked.WithLabelValues(cache).Inc()
}

// RecordInvalidation records a C4 invalidation by trigger kind.
func (m *Metrics) RecordInvalidation(trigger string) {
	m.InvalidationsTotal.WithLabelValues(trigger).Inc()
}

// RecordAccountSelection records a C8/C9 selection outcome.
func (m *Metrics) RecordAccountSelection(organizationID, outcome string) {
	m.AccountSelectionsTotal.WithLabelValues(organizationID, outcome).Inc()
}

func (m *Metrics) RecordAccountLockFailure(organizationID string) {
	m.AccountLockFailures.WithLabelValues(organizationID).Inc()
}

// RecordRateLimitRejection records a C2 sliding-window rejection.
func (m *Metrics) RecordRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordProviderBackoff records a C11 provider-side throttle.
func (m *Metrics) RecordProviderBackoff(provider string) {
	m.ProviderBackoffsTotal.WithLabelValues(provider).Inc()
}

// RecordWebhookDelivered/RecordWebhookFailed/RecordWebhookDLQ record C13 outcomes.
func (m *Metrics) RecordWebhookDelivered(eventType string, durationSeconds float64) {
	m.WebhookDeliveredTotal.WithLabelValues(eventType).Inc()
	m.WebhookDeliveryMS.WithLabelValues(eventType).Observe(durationSeconds)
}

func (m *Metrics) RecordWebhookFailed(eventType string, durationSeconds float64) {
	m.WebhookFailedTotal.WithLabelValues(eventType).Inc()
	m.WebhookDeliveryMS.WithLabelValues(eventType).Observe(durationSeconds)
}

func (m *Metrics) RecordWebhookDLQ(eventType string) {
	m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
}

// RecordBudgetAlert records a C12 threshold alert firing.
func (m *Metrics) RecordBudgetAlert(organizationID, threshold string) {
	m.BudgetAlertsTotal.WithLabelValues(organizationID, threshold).Inc()
}

// RecordDatabaseQuery records a relational-store query outcome.
func (m *Metrics) RecordDatabaseQuery(operation, status string, durationSeconds float64) {
	m.DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}

func (m *Metrics) SetDatabaseConnections(n float64) { m.DatabaseConnectionsOpen.Set(n) }
func (m *Metrics) UpdateUptime(seconds float64)     { m.ServiceUptime.Set(seconds) }
func (m *Metrics) IncrementInFlight()               { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight()               { m.RequestsInFlight.Dec() }

// Enabled reports whether metrics collection should run. Disabled by
// default in production unless METRICS_ENABLED is explicitly set, matching
// the conservative default used for the rest of the observability stack.
func Enabled() bool {
	if runtime.IsProduction() {
		return runtime.ResolveBool(false, "METRICS_ENABLED")
	}
	return runtime.ResolveBool(true, "METRICS_ENABLED")
}

// --- Global singleton ---

var (
	globalMu   sync.Mutex
	globalInst *Metrics
)

// Init creates and stores the global Metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalInst = New(serviceName)
	return globalInst
}

// Global returns the global Metrics instance, creating a default one if
// Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalInst == nil {
		globalInst = New("gatekeeper")
	}
	return globalInst
}
