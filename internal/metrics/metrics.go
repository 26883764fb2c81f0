// Package metrics holds the prometheus collectors the agent exposes on
// its local debug endpoint. Collectors are created against an explicit
// registerer so tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compliance covers the scheduler and executor pool.
type Compliance struct {
	Executors          prometheus.Gauge
	QueueDepth         prometheus.Gauge
	RequestsQueued     prometheus.Counter
	ResponsesProcessed prometheus.Counter
	Ticks              prometheus.Counter
	DeviceStatus       prometheus.Gauge
}

// NewCompliance registers the compliance collectors.
func NewCompliance(reg prometheus.Registerer) *Compliance {
	factory := promauto.With(reg)
	return &Compliance{
		Executors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acme_compliance_executors",
			Help: "Current number of live executors in the pool.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acme_compliance_queue_depth",
			Help: "Number of in-flight execution requests tracked by the controller.",
		}),
		RequestsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "acme_compliance_requests_queued_total",
			Help: "Total execution requests accepted into the execution queue.",
		}),
		ResponsesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "acme_compliance_responses_processed_total",
			Help: "Total executor responses drained by the controller.",
		}),
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "acme_compliance_ticks_total",
			Help: "Total controller scheduler ticks.",
		}),
		DeviceStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acme_compliance_device_status",
			Help: "Current device compliance status bitset.",
		}),
	}
}

// Registrar covers registrar exchanges shared by configuration pull,
// registration, and the installer pipeline.
type Registrar struct {
	Requests prometheus.Counter
	Failures prometheus.Counter
	Throttles prometheus.Counter
}

// NewRegistrar registers the registrar-client collectors.
func NewRegistrar(reg prometheus.Registerer) *Registrar {
	factory := promauto.With(reg)
	return &Registrar{
		Requests: factory.NewCounter(prometheus.CounterOpts{
			Name: "acme_registrar_requests_total",
			Help: "Total requests sent to the registrar.",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "acme_registrar_failures_total",
			Help: "Total registrar requests that failed.",
		}),
		Throttles: factory.NewCounter(prometheus.CounterOpts{
			Name: "acme_registrar_throttles_total",
			Help: "Total registrar responses that signaled throttling.",
		}),
	}
}
