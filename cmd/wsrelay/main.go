package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/clock"
	"github.com/0xmhha/wsrelay-go/internal/config"
	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/internal/logger"
	"github.com/0xmhha/wsrelay-go/pkg/api"
	"github.com/0xmhha/wsrelay-go/pkg/api/jsonrpc"
	"github.com/0xmhha/wsrelay-go/pkg/api/middleware"
	"github.com/0xmhha/wsrelay-go/pkg/api/websocket"
	"github.com/0xmhha/wsrelay-go/pkg/client"
	"github.com/0xmhha/wsrelay-go/pkg/limiter"
	"github.com/0xmhha/wsrelay-go/pkg/subscription"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Upstream JSON-RPC endpoint URL")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		apiHost     = flag.String("host", "", "Listen host")
		apiPort     = flag.Int("port", 0, "Listen port")
		wsPath      = flag.String("ws-path", "", "WebSocket endpoint path")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("wsrelay version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile, func(cfg *config.Config) {
		applyFlags(cfg, *rpcEndpoint, *logLevel, *logFormat, *apiHost, *apiPort, *wsPath)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ws := cfg.WebSocket

	log.Info("Starting relay",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.Duration("polling_interval", ws.PollingInterval),
		zap.Int("connection_limit", ws.ConnectionLimit),
		zap.Int("connection_limit_per_ip", ws.ConnectionLimitPerIP),
		zap.Int("subscription_limit", ws.SubscriptionLimit),
		zap.Bool("new_heads_enabled", ws.NewHeadsEnabled),
		zap.Bool("batch_requests_enabled", ws.BatchRequestsEnabled),
		zap.Strings("trusted_proxies", cfg.API.TrustedProxies),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstream, err := client.NewClient(ctx, &client.Config{
		Endpoint: cfg.RPC.Endpoint,
		Timeout:  cfg.RPC.Timeout,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to upstream node: %w", err)
	}
	defer upstream.Close()

	chainID, err := upstream.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	log.Info("Connected to chain", zap.String("chain_id", chainID.String()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clk := clock.Real()
	subscriptionMetrics := subscription.NewMetrics(registry)

	poller := subscription.NewPoller(upstream, &subscription.PollerConfig{
		Interval:        ws.PollingInterval,
		NewHeadsEnabled: ws.NewHeadsEnabled,
		QueryTimeout:    cfg.RPC.Timeout,
	}, clk, subscriptionMetrics, log)
	defer poller.Close()

	var rateLimiter *limiter.RateLimiter
	if ws.RateLimitPerSecond > 0 {
		rateLimiter = limiter.NewRateLimiter(ws.RateLimitPerSecond, ws.RateLimitBurst, clk)
	}
	connLimiter := limiter.New(&limiter.Config{
		ConnectionLimit:      ws.ConnectionLimit,
		ConnectionLimitPerIP: ws.ConnectionLimitPerIP,
		MaxInactivityTTL:     ws.MaxInactivityTTL,
		SubscriptionLimit:    ws.SubscriptionLimit,
	}, clk, rateLimiter, limiter.NewMetrics(registry), log)

	subs := subscription.NewRegistry(
		poller,
		connLimiter,
		subscription.NewNotificationCache(&subscription.CacheConfig{
			MaxSize: ws.CacheMaxSize,
			TTL:     ws.CacheTTL,
		}, clk),
		subscription.RegistryConfig{SameSubForSameEvent: ws.SameSubForSameEvent},
		clk,
		subscriptionMetrics,
		log,
	)

	handler := jsonrpc.NewHandler(subs, connLimiter, upstream, &jsonrpc.HandlerConfig{
		NewHeadsEnabled:          ws.NewHeadsEnabled,
		MultipleAddressesEnabled: ws.MultipleAddressesEnabled,
		ValidateContracts:        true,
		CallTimeout:              cfg.RPC.Timeout,
	}, jsonrpc.NewMetrics(registry), log)
	rpcServer := jsonrpc.NewServer(handler, &jsonrpc.ServerConfig{
		BatchRequestsEnabled: ws.BatchRequestsEnabled,
		BatchRequestsMaxSize: ws.BatchRequestsMaxSize,
	}, log)

	resolver, err := middleware.NewIPResolver(cfg.API.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	wsConfig := &websocket.Config{
		IPResolver: resolver,
		Client: &websocket.ClientConfig{
			PingInterval:   ws.PingInterval,
			MaxMessageSize: constants.DefaultMaxMessageSize,
			SendBufferSize: constants.DefaultSendBufferSize,
		},
	}
	opts := &api.ServerOptions{Gatherer: registry, IPResolver: resolver}
	if rateLimiter != nil {
		wsConfig.Janitor = rateLimiter.CleanupLimiters
		wsConfig.JanitorInterval = constants.DefaultJanitorInterval
		opts.UpgradeLimiter = rateLimiter
	}
	wsServer := websocket.NewServer(rpcServer, connLimiter, subs, wsConfig, websocket.NewMetrics(registry), log)

	health := api.NewHealthChecker(version, cfg.RPC.Timeout)
	health.SetUpstream(upstream)
	health.SetConnections(wsServer.Hub())
	opts.Health = health

	apiServer, err := api.NewServer(&api.Config{
		Host:            cfg.API.Host,
		Port:            cfg.API.Port,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		IdleTimeout:     cfg.API.IdleTimeout,
		MaxHeaderBytes:  constants.DefaultMaxHeaderBytes,
		WebSocketPath:   cfg.API.WebSocketPath,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, log, wsServer, opts)
	if err != nil {
		wsServer.Stop()
		return fmt.Errorf("failed to create API server: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- apiServer.Start()
	}()

	log.Info("Relay started", zap.String("address", cfg.API.Address()), zap.String("path", cfg.API.WebSocketPath))

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case serveErr = <-errChan:
		if serveErr != nil {
			log.Error("API server stopped", zap.Error(serveErr))
		}
	}

	log.Info("Shutting down gracefully...")

	if err := apiServer.Stop(context.Background()); err != nil {
		log.Error("Failed to stop API server gracefully", zap.Error(err))
	}

	log.Info("Relay stopped")
	return serveErr
}

// loadConfig loads .env, then the configuration file and environment, and
// applies overrides before validation.
func loadConfig(configFile string, override func(cfg *config.Config)) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	override(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, logLevel, logFormat, apiHost string, apiPort int, wsPath string) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
	if wsPath != "" {
		cfg.API.WebSocketPath = wsPath
	}
}
