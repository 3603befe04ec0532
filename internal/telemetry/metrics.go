package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency on the controller's
// public surface. Shared across every chi route via httpserver's Metrics
// middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "plane",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var BackendsScheduledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "backends",
		Name:      "scheduled_total",
		Help:      "Total number of backends scheduled, by cluster.",
	},
	[]string{"cluster"},
)

var BackendsTerminatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "backends",
		Name:      "terminated_total",
		Help:      "Total number of backends that reached Terminated, by reason.",
	},
	[]string{"reason"},
)

var OutboxDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "plane",
		Subsystem: "outbox",
		Name:      "depth",
		Help:      "Number of unacknowledged backend_action rows per drone.",
	},
	[]string{"drone"},
)

var RouteMapSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "plane",
		Subsystem: "proxy",
		Name:      "route_map_entries",
		Help:      "Number of entries currently cached in the proxy's route map.",
	},
)

var RouteMapRequestsCoalescedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "plane",
		Subsystem: "proxy",
		Name:      "route_map_requests_coalesced_total",
		Help:      "Total RouteInfoRequest lookups that coalesced onto an in-flight request.",
	},
)

var ConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "plane",
		Subsystem: "proxy",
		Name:      "connections_active",
		Help:      "Number of currently open proxied connections.",
	},
)

// All returns every Plane-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		BackendsScheduledTotal,
		BackendsTerminatedTotal,
		OutboxDepth,
		RouteMapSize,
		RouteMapRequestsCoalescedTotal,
		ConnectionsActive,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
