// Package obsmetrics registers the Prometheus collectors the HTTP shell
// and background workers publish under /metrics.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector this process exposes so main can wire
// a single /metrics handler and every other package gets a typed
// reference to the metric it should touch, instead of reaching into a
// global default registry.
type Registry struct {
	prom *prometheus.Registry

	HTTPRequestDuration *prometheus.HistogramVec
	ProvisioningTotal   *prometheus.CounterVec
	StaleSweepTransitions prometheus.Counter
	IaaSRequestDuration *prometheus.HistogramVec
}

// New builds a fresh registry with the standard Go/process collectors
// plus the control plane's own metrics.
func New() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetctl_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		ProvisioningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetctl_provisioning_total",
			Help: "Provisioning orchestration attempts by outcome.",
		}, []string{"outcome"}),
		StaleSweepTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetctl_stale_sweep_transitions_total",
			Help: "Bots transitioned online -> error by the stale sweep.",
		}),
		IaaSRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetctl_iaas_request_duration_seconds",
			Help:    "IaaS adapter call latency by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}

	r.prom.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		r.HTTPRequestDuration,
		r.ProvisioningTotal,
		r.StaleSweepTransitions,
		r.IaaSRequestDuration,
	)

	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }
