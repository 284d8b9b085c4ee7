package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/constants"
	apimiddleware "github.com/0xmhha/wsrelay-go/pkg/api/middleware"
	"github.com/0xmhha/wsrelay-go/pkg/api/websocket"
)

// upgradeRateKey is the rate limiter key WebSocket handshakes are counted under
const upgradeRateKey = "ws_upgrade"

// Server represents the API server
type Server struct {
	config   *Config
	logger   *zap.Logger
	router   *chi.Mux
	server   *http.Server
	wsServer *websocket.Server
	health   *HealthChecker
	gatherer prometheus.Gatherer
	limiter  apimiddleware.Allower
	resolver *apimiddleware.IPResolver
}

// ServerOptions contains optional collaborators of the API server
type ServerOptions struct {
	// Health serves the /health endpoints; nil serves liveness only
	Health *HealthChecker
	// Gatherer backs /metrics; nil uses the default prometheus registry
	Gatherer prometheus.Gatherer
	// UpgradeLimiter rate limits handshakes per client address; nil disables it
	UpgradeLimiter apimiddleware.Allower
	// IPResolver keys the handshake limiter by client address; nil uses the peer address
	IPResolver *apimiddleware.IPResolver
}

// NewServer creates a new API server serving ws on the configured path
func NewServer(config *Config, logger *zap.Logger, ws *websocket.Server, opts *ServerOptions) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if ws == nil {
		return nil, fmt.Errorf("websocket server is required")
	}
	if opts == nil {
		opts = &ServerOptions{}
	}

	s := &Server{
		config:   config,
		logger:   logger,
		router:   chi.NewRouter(),
		wsServer: ws,
		health:   opts.Health,
		gatherer: opts.Gatherer,
		limiter:  opts.UpgradeLimiter,
		resolver: opts.IPResolver,
	}
	if s.health == nil {
		s.health = NewHealthChecker("", 0)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	// Recovery middleware (must be first)
	s.router.Use(apimiddleware.Recovery(s.logger))

	s.router.Use(middleware.RequestID)
	s.router.Use(apimiddleware.Logger(s.logger))
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.health.DetailedHealthHandler())
	s.router.Get(constants.LivenessPath, s.health.LivenessHandler())
	s.router.Get(constants.ReadinessPath, s.health.ReadinessHandler())

	s.router.Handle(constants.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.logger.Info("WebSocket relay enabled", zap.String("path", s.config.WebSocketPath))
	s.router.With(apimiddleware.RateLimit(s.limiter, s.resolver, upgradeRateKey, s.logger)).
		Get(s.config.WebSocketPath, s.wsServer.ServeHTTP)
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.config.Address()),
		zap.String("websocket_path", s.config.WebSocketPath),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Stop closes every WebSocket connection, then gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	s.wsServer.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
