// Package metrics exposes the service's Prometheus collectors. Everything
// registers against the default registry and is served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmgate_gateway_requests_total",
		Help: "Gateway send outcomes by result code.",
	}, []string{"code"})

	GatewayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vmgate_gateway_request_seconds",
		Help:    "Round trip time of requests forwarded to VMs.",
		Buckets: prometheus.DefBuckets,
	})

	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmgate_health_checks_total",
		Help: "Individual VM health probes by result.",
	}, []string{"result"})

	VMsMarkedError = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmgate_health_vms_marked_error_total",
		Help: "VMs demoted to error after hitting the consecutive-failure threshold.",
	})

	ProvisionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmgate_provision_runs_total",
		Help: "Provisioning runs by terminal result.",
	}, []string{"result"})
)

// Handler serves the default registry, typically mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
