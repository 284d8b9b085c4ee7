package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "0.0.0.0"

	// DefaultAPIPort is the default WebSocket relay port
	DefaultAPIPort = 8546

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20
)

// API Paths
const (
	// DefaultWebSocketPath is the default WebSocket endpoint path
	DefaultWebSocketPath = "/"

	// MetricsPath exposes Prometheus metrics
	MetricsPath = "/metrics"

	// LivenessPath and ReadinessPath are the health probes
	LivenessPath  = "/health/liveness"
	ReadinessPath = "/health/readiness"
)

// Upstream RPC Constants
const (
	// DefaultQueryTimeout bounds a single upstream query
	DefaultQueryTimeout = 10 * time.Second
)

// WebSocket relay defaults
const (
	// DefaultPollingInterval is how often the poller re-queries the upstream node
	DefaultPollingInterval = 500 * time.Millisecond

	// DefaultCacheTTL is how long a delivered notification hash suppresses resends
	DefaultCacheTTL = 20 * time.Second

	// DefaultCacheMaxSize bounds the notification cache
	DefaultCacheMaxSize = 1000

	// DefaultConnectionLimit is the maximum number of live connections
	DefaultConnectionLimit = 10

	// DefaultConnectionLimitPerIP is the maximum number of live connections per client address
	DefaultConnectionLimitPerIP = 10

	// DefaultMaxInactivityTTL is how long a connection may stay open without activity
	DefaultMaxInactivityTTL = 300 * time.Second

	// DefaultSubscriptionLimit is the maximum number of subscriptions per connection
	DefaultSubscriptionLimit = 10

	// DefaultPingInterval is how often keep-alive pings are written
	DefaultPingInterval = 100 * time.Second

	// DefaultBatchRequestsMaxSize caps batch requests over WebSocket
	DefaultBatchRequestsMaxSize = 20

	// DefaultRateLimitBurst is the default per-IP per-method burst when rate limiting is on
	DefaultRateLimitBurst = 100

	// DefaultSendBufferSize is the per-connection outbound queue length
	DefaultSendBufferSize = 256

	// DefaultMaxMessageSize is the largest inbound frame accepted from a client (bytes)
	DefaultMaxMessageSize = 1 << 20

	// DefaultJanitorInterval is how often idle rate limiter entries are swept
	DefaultJanitorInterval = time.Minute
)

// JSON-RPC Constants
const (
	// JSONRPCVersion is the fixed protocol version field
	JSONRPCVersion = "2.0"

	// SubscriptionMethod is the method name of push notifications
	SubscriptionMethod = "eth_subscription"
)
