package middleware

import (
	"net/http"

	"go.uber.org/zap"
)

// Allower decides whether a request keyed by client address may proceed
type Allower interface {
	Allow(ip, key string) bool
}

// RateLimit returns a middleware that rejects requests over the per-IP rate
// for key with 429. A nil limiter disables limiting. Client addresses come
// from resolver, which may be nil.
func RateLimit(limiter Allower, resolver *IPResolver, key string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.ClientIP(r)

			if !limiter.Allow(ip, key) {
				logger.Warn("rate limit exceeded",
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded","message":"too many requests, please retry later"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
