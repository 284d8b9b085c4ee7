package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// ChainSource is the upstream node the readiness probe queries
type ChainSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// ConnectionCounter reports live client connections
type ConnectionCounter interface {
	ClientCount() int
}

// DetailedHealth provides health information for the relay
type DetailedHealth struct {
	Status      string           `json:"status"`
	Timestamp   string           `json:"timestamp"`
	Uptime      string           `json:"uptime"`
	Version     string           `json:"version"`
	Upstream    *ComponentHealth `json:"upstream,omitempty"`
	Connections int              `json:"connections"`
}

// ComponentHealth represents the health of a component
type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Connected bool                   `json:"connected"`
	Latency   string                 `json:"latency,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthChecker answers the liveness, readiness and detailed health probes
type HealthChecker struct {
	mu sync.RWMutex

	version   string
	startTime time.Time
	timeout   time.Duration

	upstream    ChainSource
	connections ConnectionCounter
}

// NewHealthChecker creates a new health checker. timeout bounds each upstream probe.
func NewHealthChecker(version string, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// SetUpstream sets the node probed for readiness
func (hc *HealthChecker) SetUpstream(upstream ChainSource) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.upstream = upstream
}

// SetConnections sets the source of the live connection count
func (hc *HealthChecker) SetConnections(counter ConnectionCounter) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.connections = counter
}

// GetDetailedHealth returns health information for every configured component
func (hc *HealthChecker) GetDetailedHealth(ctx context.Context) DetailedHealth {
	hc.mu.RLock()
	upstream, connections := hc.upstream, hc.connections
	hc.mu.RUnlock()

	health := DetailedHealth{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(hc.startTime).String(),
		Version:   hc.version,
	}

	if upstream != nil {
		health.Upstream = hc.checkUpstream(ctx, upstream)
		if health.Upstream.Status != "healthy" {
			health.Status = "unhealthy"
		}
	}
	if connections != nil {
		health.Connections = connections.ClientCount()
	}

	return health
}

// checkUpstream verifies the node answers eth_chainId
func (hc *HealthChecker) checkUpstream(ctx context.Context, upstream ChainSource) *ComponentHealth {
	if hc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hc.timeout)
		defer cancel()
	}

	start := time.Now()
	chainID, err := upstream.ChainID(ctx)
	latency := time.Since(start)

	if err != nil {
		return &ComponentHealth{
			Status:  "unhealthy",
			Message: err.Error(),
			Latency: latency.String(),
		}
	}

	return &ComponentHealth{
		Status:    "healthy",
		Message:   "Upstream node is reachable",
		Connected: true,
		Latency:   latency.String(),
		Details:   map[string]interface{}{"chain_id": chainID.String()},
	}
}

// LivenessHandler returns a handler for Kubernetes liveness probe
// Returns 200 if the process is alive
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a handler for Kubernetes readiness probe.
// The relay is ready once the upstream node answers.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hc.mu.RLock()
		upstream := hc.upstream
		hc.mu.RUnlock()

		reasons := make([]string, 0)
		if upstream == nil {
			reasons = append(reasons, "upstream not configured")
		} else if check := hc.checkUpstream(r.Context(), upstream); check.Status != "healthy" {
			reasons = append(reasons, "upstream unreachable: "+check.Message)
		}

		if len(reasons) == 0 {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": "ready",
			})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"reasons": reasons,
		})
	}
}

// DetailedHealthHandler returns a handler for comprehensive health checks
func (hc *HealthChecker) DetailedHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.GetDetailedHealth(r.Context())

		status := http.StatusOK
		if health.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
