// Package metrics exposes Prometheus instrumentation for the vault.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the vault's instrument set on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts handled requests by operation and outcome.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures end-to-end request handling.
	RequestDuration *prometheus.HistogramVec

	// Sealed is 1 while the vault is sealed, 0 while unsealed.
	Sealed prometheus.Gauge

	// AuditFailures counts requests rejected because no audit sink
	// accepted their entry.
	AuditFailures prometheus.Counter

	// UnsealProgress tracks distinct shares submitted in the current
	// unseal attempt.
	UnsealProgress prometheus.Gauge
}

// New creates the instrument set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strongroom",
			Name:      "requests_total",
			Help:      "Handled requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strongroom",
			Name:      "request_duration_seconds",
			Help:      "Request handling duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Sealed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "strongroom",
			Name:      "sealed",
			Help:      "1 while the vault is sealed, 0 while unsealed.",
		}),
		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "strongroom",
			Name:      "audit_failures_total",
			Help:      "Requests rejected because the audit log could not record them.",
		}),
		UnsealProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "strongroom",
			Name:      "unseal_progress",
			Help:      "Distinct unseal shares submitted in the current attempt.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
