package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "rpc"
	metricsSubsystem = "websocket"
)

// Metrics holds the Prometheus collectors of the poller and the registry
type Metrics struct {
	// Gauges
	ActivePolls         prometheus.Gauge
	ActiveSubscriptions *prometheus.GaugeVec

	// Counters
	PollErrorsTotal        *prometheus.CounterVec
	NotificationsSent      *prometheus.CounterVec
	NotificationsDeduped   prometheus.Counter
	NotificationSendErrors prometheus.Counter

	// Histograms
	SubscriptionDuration *prometheus.HistogramVec
	TickDuration         prometheus.Histogram
}

// NewMetrics creates and registers the subscription metrics on reg.
// A nil registerer gets a private registry so several instances can coexist in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActivePolls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_polls",
			Help:      "Relay websocket active polls count",
		}),
		ActiveSubscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_subscriptions",
			Help:      "Relay websocket active subscriptions by event",
		}, []string{"event"}),

		PollErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "poll_errors_total",
			Help:      "Relay websocket poll failures by event",
		}, []string{"event"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notifications_sent_total",
			Help:      "Relay websocket subscription notifications sent by event",
		}, []string{"event"}),
		NotificationsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notifications_deduplicated_total",
			Help:      "Relay websocket notifications suppressed by the notification cache",
		}),
		NotificationSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notification_send_errors_total",
			Help:      "Relay websocket notifications that could not be written to a connection",
		}),

		SubscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "subscription_duration_seconds",
			Help:      "Relay websocket subscription lifetime",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"event"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "poll_tick_duration_seconds",
			Help:      "Relay websocket poller tick duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
