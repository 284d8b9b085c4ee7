package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/wsrelay-go/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// RPCConfig holds upstream node configuration
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds HTTP server configuration
type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	WebSocketPath   string        `yaml:"websocket_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For and X-Real-IP headers are honoured. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// WebSocketConfig holds the subscription, polling and admission settings.
// Durations are given in milliseconds in the environment, like the rest of
// the relay's WS_* surface.
type WebSocketConfig struct {
	// PollingInterval is the cadence of the upstream poller
	PollingInterval time.Duration `yaml:"polling_interval"`

	// CacheTTL is how long a delivered notification suppresses an identical one
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// CacheMaxSize bounds the notification cache
	CacheMaxSize int `yaml:"cache_max_size"`

	// ConnectionLimit caps live connections process-wide
	ConnectionLimit int `yaml:"connection_limit"`
	// ConnectionLimitPerIP caps live connections from one client address
	ConnectionLimitPerIP int `yaml:"connection_limit_per_ip"`
	// MaxInactivityTTL closes connections that stay idle this long
	MaxInactivityTTL time.Duration `yaml:"max_inactivity_ttl"`
	// SubscriptionLimit caps subscriptions per connection
	SubscriptionLimit int `yaml:"subscription_limit"`

	// NewHeadsEnabled allows newHeads subscriptions
	NewHeadsEnabled bool `yaml:"new_heads_enabled"`
	// SameSubForSameEvent returns the existing subscription id when a
	// connection subscribes twice to the same event and filters
	SameSubForSameEvent bool `yaml:"same_sub_for_same_event"`
	// MultipleAddressesEnabled allows more than one address in a logs filter
	MultipleAddressesEnabled bool `yaml:"multiple_addresses_enabled"`

	// PingInterval is the keep-alive ping period, 0 disables pings
	PingInterval time.Duration `yaml:"ping_interval"`

	// BatchRequestsEnabled allows JSON-RPC batches over WebSocket
	BatchRequestsEnabled bool `yaml:"batch_requests_enabled"`
	// BatchRequestsMaxSize caps batch length
	BatchRequestsMaxSize int `yaml:"batch_requests_max_size"`

	// RateLimitPerSecond is the per-IP per-method request rate, 0 disables limiting
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	// RateLimitBurst is the per-IP per-method burst
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{
		WebSocket: WebSocketConfig{
			NewHeadsEnabled:     true,
			SameSubForSameEvent: true,
			PingInterval:        constants.DefaultPingInterval,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every zero-valued numeric or string field
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultQueryTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if c.API.WebSocketPath == "" {
		c.API.WebSocketPath = constants.DefaultWebSocketPath
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = constants.DefaultReadTimeout
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = constants.DefaultWriteTimeout
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = constants.DefaultIdleTimeout
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = constants.DefaultShutdownTimeout
	}

	ws := &c.WebSocket
	if ws.PollingInterval == 0 {
		ws.PollingInterval = constants.DefaultPollingInterval
	}
	if ws.CacheTTL == 0 {
		ws.CacheTTL = constants.DefaultCacheTTL
	}
	if ws.CacheMaxSize == 0 {
		ws.CacheMaxSize = constants.DefaultCacheMaxSize
	}
	if ws.ConnectionLimit == 0 {
		ws.ConnectionLimit = constants.DefaultConnectionLimit
	}
	if ws.ConnectionLimitPerIP == 0 {
		ws.ConnectionLimitPerIP = constants.DefaultConnectionLimitPerIP
	}
	if ws.MaxInactivityTTL == 0 {
		ws.MaxInactivityTTL = constants.DefaultMaxInactivityTTL
	}
	if ws.SubscriptionLimit == 0 {
		ws.SubscriptionLimit = constants.DefaultSubscriptionLimit
	}
	if ws.BatchRequestsMaxSize == 0 {
		ws.BatchRequestsMaxSize = constants.DefaultBatchRequestsMaxSize
	}
	if ws.RateLimitBurst == 0 {
		ws.RateLimitBurst = constants.DefaultRateLimitBurst
	}
}

// LoadFromEnv loads configuration from environment variables
// Environment variables take precedence over file configuration
func (c *Config) LoadFromEnv() error {
	// RPC configuration
	if endpoint := os.Getenv("RELAY_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("RELAY_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid RELAY_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}

	// Log configuration
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("RELAY_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// API configuration
	if host := os.Getenv("RELAY_API_HOST"); host != "" {
		c.API.Host = host
	}
	if err := envInt("RELAY_API_PORT", &c.API.Port); err != nil {
		return err
	}
	if path := os.Getenv("RELAY_API_WS_PATH"); path != "" {
		c.API.WebSocketPath = path
	}
	if proxies := os.Getenv("RELAY_API_TRUSTED_PROXIES"); proxies != "" {
		c.API.TrustedProxies = nil
		for _, proxy := range strings.Split(proxies, ",") {
			if proxy = strings.TrimSpace(proxy); proxy != "" {
				c.API.TrustedProxies = append(c.API.TrustedProxies, proxy)
			}
		}
	}

	// WebSocket relay configuration
	ws := &c.WebSocket
	for name, target := range map[string]*time.Duration{
		"WS_POLLING_INTERVAL":   &ws.PollingInterval,
		"WS_CACHE_TTL":          &ws.CacheTTL,
		"WS_MAX_INACTIVITY_TTL": &ws.MaxInactivityTTL,
		"WS_PING_INTERVAL":      &ws.PingInterval,
	} {
		if err := envMillis(name, target); err != nil {
			return err
		}
	}
	for name, target := range map[string]*int{
		"WS_CACHE_MAX_SIZE":          &ws.CacheMaxSize,
		"WS_CONNECTION_LIMIT":        &ws.ConnectionLimit,
		"WS_CONNECTION_LIMIT_PER_IP": &ws.ConnectionLimitPerIP,
		"WS_SUBSCRIPTION_LIMIT":      &ws.SubscriptionLimit,
		"WS_BATCH_REQUESTS_MAX_SIZE": &ws.BatchRequestsMaxSize,
		"WS_RATE_LIMIT_BURST":        &ws.RateLimitBurst,
	} {
		if err := envInt(name, target); err != nil {
			return err
		}
	}
	for name, target := range map[string]*bool{
		"WS_NEW_HEADS_ENABLED":          &ws.NewHeadsEnabled,
		"WS_SAME_SUB_FOR_SAME_EVENT":    &ws.SameSubForSameEvent,
		"WS_MULTIPLE_ADDRESSES_ENABLED": &ws.MultipleAddressesEnabled,
		"WS_BATCH_REQUESTS_ENABLED":     &ws.BatchRequestsEnabled,
	} {
		if err := envBool(name, target); err != nil {
			return err
		}
	}
	if rps := os.Getenv("WS_RATE_LIMIT_PER_SECOND"); rps != "" {
		val, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid WS_RATE_LIMIT_PER_SECOND: %w", err)
		}
		ws.RateLimitPerSecond = val
	}

	return nil
}

func envInt(name string, target *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = val
	return nil
}

func envBool(name string, target *bool) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = val
	return nil
}

func envMillis(name string, target *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s (milliseconds): %w", name, err)
	}
	*target = time.Duration(val) * time.Millisecond
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
		return fmt.Errorf("port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}
	for _, proxy := range c.API.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("invalid trusted proxy %q, must be an IP address or CIDR range", proxy)
		}
	}

	ws := c.WebSocket
	if ws.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if ws.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if ws.CacheMaxSize <= 0 {
		return fmt.Errorf("cache max size must be positive")
	}
	if ws.ConnectionLimit <= 0 || ws.ConnectionLimitPerIP <= 0 {
		return fmt.Errorf("connection limits must be positive")
	}
	if ws.MaxInactivityTTL <= 0 {
		return fmt.Errorf("max inactivity TTL must be positive")
	}
	if ws.SubscriptionLimit <= 0 {
		return fmt.Errorf("subscription limit must be positive")
	}
	if ws.PingInterval < 0 {
		return fmt.Errorf("ping interval cannot be negative")
	}
	if ws.BatchRequestsMaxSize <= 0 {
		return fmt.Errorf("batch requests max size must be positive")
	}
	if ws.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}

	return nil
}

func validProxy(proxy string) bool {
	if _, _, err := net.ParseCIDR(proxy); err == nil {
		return true
	}
	return net.ParseIP(proxy) != nil
}

// Address returns the listen address of the HTTP server
func (c *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
