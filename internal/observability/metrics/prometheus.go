// Package metrics provides Prometheus metrics for the patient portal.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal"

// Metrics holds all application metrics
type Metrics struct {
	RUTValidations      *prometheus.CounterVec
	Registrations       *prometheus.CounterVec
	Logins              *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	OutboxRelayedTotal  *prometheus.CounterVec
	OutboxFailedTotal   *prometheus.CounterVec
	OutboxPendingGauge  prometheus.Gauge
	ProfilesProjected   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them on reg. A nil reg means the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RUTValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rut_validations_total",
			Help:      "RUT validations by result",
		}, []string{"status"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		}, []string{"outcome"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxRelayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "Outbox entries published",
		}, []string{"topic"}),
		OutboxFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox publish failures",
		}, []string{"topic"}),
		OutboxPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		ProfilesProjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profiles_projected_total",
			Help:      "Patient events projected into the profile store by result",
		}, []string{"result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.RUTValidations,
		m.Registrations,
		m.Logins,
		m.HTTPDuration,
		m.OutboxRelayedTotal,
		m.OutboxFailedTotal,
		m.OutboxPendingGauge,
		m.ProfilesProjected,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// RUTValidated counts one validation result
func (m *Metrics) RUTValidated(status string) { m.RUTValidations.WithLabelValues(status).Inc() }

// Registration counts one registration attempt
func (m *Metrics) Registration(outcome string) { m.Registrations.WithLabelValues(outcome).Inc() }

// Login counts one login attempt
func (m *Metrics) Login(outcome string) { m.Logins.WithLabelValues(outcome).Inc() }

// ObserveHTTP records a finished request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// OutboxRelayed counts a published outbox entry
func (m *Metrics) OutboxRelayed(topic string) { m.OutboxRelayedTotal.WithLabelValues(topic).Inc() }

// OutboxFailed counts a failed publish
func (m *Metrics) OutboxFailed(topic string) { m.OutboxFailedTotal.WithLabelValues(topic).Inc() }

// OutboxPending sets the pending gauge
func (m *Metrics) OutboxPending(n int64) { m.OutboxPendingGauge.Set(float64(n)) }

// ProfileProjected counts one projector result: applied, stale, duplicate or failed
func (m *Metrics) ProfileProjected(result string) { m.ProfilesProjected.WithLabelValues(result).Inc() }

// BreakerState records a circuit breaker state
func (m *Metrics) BreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler for the registry metrics were registered on
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
