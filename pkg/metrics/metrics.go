package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	Instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_instances",
			Help: "Number of server instances by status",
		},
		[]string{"status"},
	)

	InstanceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_instance_restarts_total",
			Help: "Total number of automatic instance restarts by server",
		},
		[]string{"server"},
	)

	PortsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_ports_in_use",
			Help: "Number of loopback ports currently reserved",
		},
	)

	// Gateway metrics
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_requests_total",
			Help: "Total number of gateway requests by upstream status code",
		},
		[]string{"code"},
	)

	GatewayRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_sessions_active",
			Help: "Number of live client sessions",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(Instances)
	prometheus.MustRegister(InstanceRestarts)
	prometheus.MustRegister(PortsInUse)
	prometheus.MustRegister(GatewayRequests)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(SessionsActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
