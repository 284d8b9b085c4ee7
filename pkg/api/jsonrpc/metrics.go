package jsonrpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the request dispatch collectors
type Metrics struct {
	MethodCalls      *prometheus.CounterVec
	MethodCallsByIP  *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers the dispatch metrics on reg; nil uses a private registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		MethodCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "method_counter",
			Help:      "Relay websocket total methods called",
		}, []string{"method"}),
		MethodCallsByIP: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "method_by_ip_counter",
			Help:      "Relay websocket methods called by ip",
		}, []string{"ip", "method"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "upstream_call_duration_seconds",
			Help:      "Duration of requests forwarded to the upstream node",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "upstream_call_errors_total",
			Help:      "Forwarded requests that failed upstream",
		}, []string{"method"}),
	}
}
