package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/0xmhha/wsrelay-go/internal/clock"
)

// Methods exempt from rate limiting; the subscription cap covers them
var rateLimitExempt = map[string]bool{
	"eth_subscribe":   true,
	"eth_unsubscribe": true,
}

// RateLimiter limits requests per client address and method
type RateLimiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.Mutex
	rate       rate.Limit
	burst      int
	clock      clock.Clock
	cleanupTTL time.Duration
}

// limiterEntry wraps a rate.Limiter with last-access tracking
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a limiter allowing ratePerSecond requests with the
// given burst for every (ip, method) pair.
func NewRateLimiter(ratePerSecond float64, burst int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		limiters:   make(map[string]*limiterEntry, 256),
		rate:       rate.Limit(ratePerSecond),
		burst:      burst,
		clock:      clk,
		cleanupTTL: 10 * time.Minute,
	}
}

// Allow reports whether a request for method from ip may proceed
func (rl *RateLimiter) Allow(ip, method string) bool {
	if rateLimitExempt[method] {
		return true
	}

	now := rl.clock.Now()
	key := ip + "|" + method

	rl.mu.Lock()
	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastAccess = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// CleanupLimiters removes limiters that haven't been accessed within the TTL
func (rl *RateLimiter) CleanupLimiters() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-rl.cleanupTTL)
	for key, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of tracked (ip, method) pairs
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
