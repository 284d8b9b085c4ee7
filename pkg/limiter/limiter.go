package limiter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/clock"
	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/internal/logger"
)

// Conn is a connection the limiter can account for and terminate
type Conn interface {
	ID() string
	RemoteIP() string
	// CloseWithReason sends reason as a JSON-RPC error and closes the socket.
	// Closing an already closed connection returns an error.
	CloseWithReason(reason CloseReason) error
}

// Config holds limiter configuration
type Config struct {
	ConnectionLimit      int
	ConnectionLimitPerIP int
	MaxInactivityTTL     time.Duration
	SubscriptionLimit    int
}

// DefaultConfig returns the default limits
func DefaultConfig() *Config {
	return &Config{
		ConnectionLimit:      constants.DefaultConnectionLimit,
		ConnectionLimitPerIP: constants.DefaultConnectionLimitPerIP,
		MaxInactivityTTL:     constants.DefaultMaxInactivityTTL,
		SubscriptionLimit:    constants.DefaultSubscriptionLimit,
	}
}

type connState struct {
	conn Conn
	ip   string
	subs int

	ttl *clock.Timer
	// ttlGen invalidates callbacks of timers replaced by a reset
	ttlGen uint64
}

// Limiter enforces connection caps, the inactivity TTL and the
// per-connection subscription cap.
type Limiter struct {
	config  *Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	rate    *RateLimiter

	mu    sync.Mutex
	total int
	perIP map[string]int
	conns map[string]*connState
}

// New creates a limiter. rate may be nil to disable method rate limiting.
func New(config *Config, clk clock.Clock, rate *RateLimiter, metrics *Metrics, log *zap.Logger) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Limiter{
		config:  config,
		clock:   clk,
		logger:  logger.WithComponent(logger.OrNop(log), "limiter"),
		metrics: metrics,
		rate:    rate,
		perIP:   make(map[string]int),
		conns:   make(map[string]*connState),
	}
}

// IncrementCounters accounts for a newly accepted connection
func (l *Limiter) IncrementCounters(conn Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.conns[conn.ID()]; exists {
		return
	}

	ip := conn.RemoteIP()
	l.conns[conn.ID()] = &connState{conn: conn, ip: ip}
	l.total++
	l.perIP[ip]++

	l.metrics.ActiveConnections.Set(float64(l.total))
	l.metrics.ActiveConnectionsPerIP.WithLabelValues(ip).Set(float64(l.perIP[ip]))
}

// DecrementCounters releases a closed connection. Calling it twice is a no-op.
func (l *Limiter) DecrementCounters(conn Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, exists := l.conns[conn.ID()]
	if !exists {
		return
	}

	if state.ttl != nil {
		state.ttl.Stop()
		state.ttl = nil
	}
	delete(l.conns, conn.ID())

	l.total--
	l.perIP[state.ip]--
	if l.perIP[state.ip] <= 0 {
		delete(l.perIP, state.ip)
		l.metrics.ActiveConnectionsPerIP.DeleteLabelValues(state.ip)
	} else {
		l.metrics.ActiveConnectionsPerIP.WithLabelValues(state.ip).Set(float64(l.perIP[state.ip]))
	}
	l.metrics.ActiveConnections.Set(float64(l.total))
}

// ApplyLimits closes conn when the total or per-address cap is exceeded,
// otherwise arms its inactivity timer. It reports whether conn was admitted.
func (l *Limiter) ApplyLimits(conn Conn) bool {
	l.mu.Lock()
	ip := conn.RemoteIP()
	total, perIP := l.total, l.perIP[ip]

	var reason *CloseReason
	switch {
	case total > l.config.ConnectionLimit:
		r := ConnectionLimitExceeded(l.config.ConnectionLimit)
		reason = &r
	case perIP > l.config.ConnectionLimitPerIP:
		r := IPLimitExceeded(l.config.ConnectionLimitPerIP)
		reason = &r
	default:
		if state, exists := l.conns[conn.ID()]; exists {
			l.armTTL(state)
		}
	}
	l.mu.Unlock()

	if reason == nil {
		return true
	}

	log := l.logger.With(zap.String("connection_id", conn.ID()), zap.String("ip", ip))
	switch reason.Code {
	case CodeConnectionLimitExceeded:
		l.metrics.ConnectionLimitEnforced.Inc()
		log.Info("closing connection, maximum connections exceeded",
			zap.Int("connections", total), zap.Int("max_connections", l.config.ConnectionLimit))
	case CodeIPLimitExceeded:
		l.metrics.IPConnectionLimitEnforced.WithLabelValues(ip).Inc()
		log.Info("closing connection, maximum connections from a single IP exceeded",
			zap.Int("connections", perIP), zap.Int("max_connections", l.config.ConnectionLimitPerIP))
	}

	l.close(conn, *reason)
	return false
}

// ResetInactivityTTL restarts the inactivity timer of an admitted connection
func (l *Limiter) ResetInactivityTTL(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, exists := l.conns[connectionID]
	if !exists || state.ttl == nil {
		return
	}
	l.armTTL(state)
}

// IncrementSubs adds n to the connection's subscription count
func (l *Limiter) IncrementSubs(connectionID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state, exists := l.conns[connectionID]; exists {
		state.subs += n
	}
}

// DecrementSubs subtracts n from the connection's subscription count
func (l *Limiter) DecrementSubs(connectionID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, exists := l.conns[connectionID]
	if !exists {
		return
	}
	state.subs -= n
	if state.subs < 0 {
		l.logger.Error("subscription count went negative",
			zap.String("connection_id", connectionID), zap.Int("subscriptions", state.subs))
		state.subs = 0
	}
}

// ValidateSubscriptionLimit reports whether the connection may add a subscription
func (l *Limiter) ValidateSubscriptionLimit(connectionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := 0
	if state, exists := l.conns[connectionID]; exists {
		subs = state.subs
	}
	return subs < l.config.SubscriptionLimit
}

// ShouldRateLimitOnMethod reports whether a request for method from ip
// exceeds the rate limit. Subscription methods are covered by the
// subscription cap and never rate limited.
func (l *Limiter) ShouldRateLimitOnMethod(ip, method string) bool {
	if l.rate == nil {
		return false
	}
	if l.rate.Allow(ip, method) {
		return false
	}

	l.metrics.RateLimitEnforced.WithLabelValues(method).Inc()
	l.logger.Warn("rate limit exceeded", zap.String("ip", ip), zap.String("method", method))
	return true
}

// Total returns the number of live connections
func (l *Limiter) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// CountForIP returns the live connections from ip and whether an entry exists
func (l *Limiter) CountForIP(ip string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, exists := l.perIP[ip]
	return count, exists
}

// Subscriptions returns the connection's subscription count
func (l *Limiter) Subscriptions(connectionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, exists := l.conns[connectionID]; exists {
		return state.subs
	}
	return 0
}

// armTTL must be called with mu held
func (l *Limiter) armTTL(state *connState) {
	if state.ttl != nil {
		state.ttl.Stop()
	}
	if l.config.MaxInactivityTTL <= 0 {
		return
	}

	state.ttlGen++
	gen := state.ttlGen
	state.ttl = l.clock.AfterFunc(l.config.MaxInactivityTTL, func() {
		l.expire(state, gen)
	})
}

func (l *Limiter) expire(state *connState, gen uint64) {
	l.mu.Lock()
	current, exists := l.conns[state.conn.ID()]
	stale := !exists || current != state || state.ttlGen != gen
	l.mu.Unlock()

	if stale {
		return
	}

	l.metrics.TTLLimitEnforced.Inc()
	l.logger.Debug("closing connection, inactivity TTL reached",
		zap.String("connection_id", state.conn.ID()),
		zap.Duration("ttl", l.config.MaxInactivityTTL),
	)
	l.close(state.conn, TTLExpired(l.config.MaxInactivityTTL.Milliseconds()))
}

func (l *Limiter) close(conn Conn, reason CloseReason) {
	if err := conn.CloseWithReason(reason); err != nil {
		l.logger.Debug("close failed", zap.String("connection_id", conn.ID()), zap.Error(err))
	}
}
