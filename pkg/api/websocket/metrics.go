package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the WebSocket transport collectors
type Metrics struct {
	Messages           prometheus.Counter
	OpenedConnections  prometheus.Counter
	ClosedConnections  prometheus.Counter
	ConnectionDuration prometheus.Histogram
	MessageDuration    *prometheus.HistogramVec
	SendErrors         prometheus.Counter
}

// NewMetrics creates and registers the transport metrics on reg; nil uses a private registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Messages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "total_messages",
			Help:      "Relay websocket total messages received",
		}),
		OpenedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "total_opened_connections",
			Help:      "Relay websocket total established connections",
		}),
		ClosedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "total_closed_connections",
			Help:      "Relay websocket total closed connections",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "connection_duration_seconds",
			Help:      "Relay websocket connection duration in seconds",
			Buckets:   []float64{5, 10, 15, 30, 60, 300, 900, 1800, 3600, 7200, 18000, 43200, 86400},
		}),
		MessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "message_duration_milliseconds",
			Help:      "Relay websocket message handling duration in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"method"}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rpc",
			Subsystem: "websocket",
			Name:      "send_errors_total",
			Help:      "Responses that could not be queued to a connection",
		}),
	}
}
