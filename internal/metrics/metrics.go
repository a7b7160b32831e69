// Package metrics exposes the coordination state of a worker in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ntlm_auth"

// Metrics holds the collectors of one worker process on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Primary             prometheus.Gauge
	RoleTransitions     prometheus.Counter
	Bound               prometheus.Gauge
	BindingLosses       prometheus.Counter
	Heartbeats          prometheus.Counter
	LocksCollected      *prometheus.CounterVec
	CollectorErrors     prometheus.Counter
	PoolBoundAccounts   prometheus.Gauge
	PoolUnboundAccounts prometheus.Gauge
}

// New creates the collectors and registers them with a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Primary: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_primary",
			Help:      "1 if this worker holds the primary election lock.",
		}),
		RoleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_transitions_total",
			Help:      "Number of primary/secondary role changes of this worker.",
		}),
		Bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_bound",
			Help:      "1 if this worker holds a machine account binding.",
		}),
		BindingLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binding_losses_total",
			Help:      "Number of machine account bindings lost by this worker.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Number of liveness signals emitted.",
		}),
		LocksCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_collected_total",
			Help:      "Number of expired coordination locks reclaimed by the collector.",
		}, []string{"prefix"}),
		CollectorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_gc_errors_total",
			Help:      "Number of failed lock collection runs.",
		}),
		PoolBoundAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_bound_accounts",
			Help:      "Machine accounts with an active binding, reported by the primary.",
		}),
		PoolUnboundAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_unbound_accounts",
			Help:      "Configured machine accounts without an active binding, reported by the primary.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Primary,
		m.RoleTransitions,
		m.Bound,
		m.BindingLosses,
		m.Heartbeats,
		m.LocksCollected,
		m.CollectorErrors,
		m.PoolBoundAccounts,
		m.PoolUnboundAccounts,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetPrimary records the current role.
func (m *Metrics) SetPrimary(primary bool) {
	m.Primary.Set(boolToFloat(primary))
}

// SetBound records whether the worker holds a binding.
func (m *Metrics) SetBound(bound bool) {
	m.Bound.Set(boolToFloat(bound))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
