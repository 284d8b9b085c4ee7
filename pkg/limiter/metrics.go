package limiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the connection limiter collectors
type Metrics struct {
	ActiveConnections      prometheus.Gauge
	ActiveConnectionsPerIP *prometheus.GaugeVec

	ConnectionLimitEnforced   prometheus.Counter
	IPConnectionLimitEnforced *prometheus.CounterVec
	TTLLimitEnforced          prometheus.Counter
	RateLimitEnforced         *prometheus.CounterVec
}

// NewMetrics creates and registers the limiter metrics on reg; nil uses a private registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Relay websocket active connections",
		}),
		ActiveConnectionsPerIP: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "active_connections_per_ip",
			Help:      "Relay websocket active connections by ip",
		}, []string{"ip"}),
		ConnectionLimitEnforced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "total_connection_limit_enforced",
			Help:      "Relay websocket total connection limits enforced",
		}),
		IPConnectionLimitEnforced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "total_connection_limit_by_ip_enforced",
			Help:      "Relay websocket total connection limits by ip enforced",
		}, []string{"ip"}),
		TTLLimitEnforced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "total_connection_limit_by_ttl_enforced",
			Help:      "Relay websocket total connection ttl limits enforced",
		}),
		RateLimitEnforced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "ip_rate_limit_enforced_total",
			Help:      "Relay websocket requests rejected by the per-ip method rate limit",
		}, []string{"method"}),
	}
}
