package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := NewConfig()
	cfg.RPC.Endpoint = "http://localhost:8545"
	return cfg
}

// TestNewConfig tests creating a config with defaults
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg == nil {
		t.Fatal("NewConfig() returned nil")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected default log format 'json', got %q", cfg.Log.Format)
	}

	ws := cfg.WebSocket
	if ws.PollingInterval != 500*time.Millisecond {
		t.Errorf("Expected default polling interval 500ms, got %v", ws.PollingInterval)
	}
	if ws.CacheTTL != 20*time.Second {
		t.Errorf("Expected default cache TTL 20s, got %v", ws.CacheTTL)
	}
	if ws.CacheMaxSize != 1000 {
		t.Errorf("Expected default cache size 1000, got %d", ws.CacheMaxSize)
	}
	if ws.ConnectionLimit != 10 || ws.ConnectionLimitPerIP != 10 {
		t.Errorf("Expected default connection limits 10/10, got %d/%d", ws.ConnectionLimit, ws.ConnectionLimitPerIP)
	}
	if ws.MaxInactivityTTL != 300*time.Second {
		t.Errorf("Expected default inactivity TTL 300s, got %v", ws.MaxInactivityTTL)
	}
	if ws.SubscriptionLimit != 10 {
		t.Errorf("Expected default subscription limit 10, got %d", ws.SubscriptionLimit)
	}
	if !ws.NewHeadsEnabled {
		t.Error("Expected newHeads enabled by default")
	}
	if !ws.SameSubForSameEvent {
		t.Error("Expected same-sub-for-same-event enabled by default")
	}
	if ws.MultipleAddressesEnabled {
		t.Error("Expected multiple addresses disabled by default")
	}
	if ws.PingInterval != 100*time.Second {
		t.Errorf("Expected default ping interval 100s, got %v", ws.PingInterval)
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing RPC endpoint",
			mutate:  func(c *Config) { c.RPC.Endpoint = "" },
			wantErr: true,
			errMsg:  "RPC endpoint is required",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
			errMsg:  "invalid log format",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
			errMsg:  "port must be between",
		},
		{
			name:    "trusted proxies",
			mutate:  func(c *Config) { c.API.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1", "::1"} },
			wantErr: false,
		},
		{
			name:    "invalid trusted proxy",
			mutate:  func(c *Config) { c.API.TrustedProxies = []string{"proxy.local"} },
			wantErr: true,
			errMsg:  "invalid trusted proxy",
		},
		{
			name:    "zero polling interval",
			mutate:  func(c *Config) { c.WebSocket.PollingInterval = 0 },
			wantErr: true,
			errMsg:  "polling interval",
		},
		{
			name:    "zero connection limit",
			mutate:  func(c *Config) { c.WebSocket.ConnectionLimit = 0 },
			wantErr: true,
			errMsg:  "connection limits",
		},
		{
			name:    "zero subscription limit",
			mutate:  func(c *Config) { c.WebSocket.SubscriptionLimit = 0 },
			wantErr: true,
			errMsg:  "subscription limit",
		},
		{
			name:    "negative ping interval",
			mutate:  func(c *Config) { c.WebSocket.PingInterval = -time.Second },
			wantErr: true,
			errMsg:  "ping interval",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.WebSocket.RateLimitPerSecond = -1 },
			wantErr: true,
			errMsg:  "rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

// TestLoadFromEnv tests loading configuration from environment variables
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAY_RPC_ENDPOINT", "http://testnet:8545")
	t.Setenv("RELAY_RPC_TIMEOUT", "5s")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_LOG_FORMAT", "console")
	t.Setenv("RELAY_API_PORT", "9001")
	t.Setenv("RELAY_API_WS_PATH", "/ws")
	t.Setenv("RELAY_API_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	t.Setenv("WS_POLLING_INTERVAL", "250")
	t.Setenv("WS_CACHE_TTL", "1000")
	t.Setenv("WS_CACHE_MAX_SIZE", "50")
	t.Setenv("WS_CONNECTION_LIMIT", "20")
	t.Setenv("WS_CONNECTION_LIMIT_PER_IP", "2")
	t.Setenv("WS_MAX_INACTIVITY_TTL", "60000")
	t.Setenv("WS_SUBSCRIPTION_LIMIT", "3")
	t.Setenv("WS_NEW_HEADS_ENABLED", "false")
	t.Setenv("WS_SAME_SUB_FOR_SAME_EVENT", "false")
	t.Setenv("WS_MULTIPLE_ADDRESSES_ENABLED", "true")
	t.Setenv("WS_PING_INTERVAL", "30000")
	t.Setenv("WS_BATCH_REQUESTS_ENABLED", "true")
	t.Setenv("WS_BATCH_REQUESTS_MAX_SIZE", "5")
	t.Setenv("WS_RATE_LIMIT_PER_SECOND", "2.5")
	t.Setenv("WS_RATE_LIMIT_BURST", "4")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.RPC.Endpoint != "http://testnet:8545" {
		t.Errorf("RPC.Endpoint = %q", cfg.RPC.Endpoint)
	}
	if cfg.RPC.Timeout != 5*time.Second {
		t.Errorf("RPC.Timeout = %v", cfg.RPC.Timeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.API.Port != 9001 || cfg.API.WebSocketPath != "/ws" {
		t.Errorf("API = %+v", cfg.API)
	}
	if len(cfg.API.TrustedProxies) != 2 || cfg.API.TrustedProxies[0] != "10.0.0.0/8" || cfg.API.TrustedProxies[1] != "192.0.2.1" {
		t.Errorf("API.TrustedProxies = %v", cfg.API.TrustedProxies)
	}

	ws := cfg.WebSocket
	if ws.PollingInterval != 250*time.Millisecond {
		t.Errorf("PollingInterval = %v", ws.PollingInterval)
	}
	if ws.CacheTTL != time.Second || ws.CacheMaxSize != 50 {
		t.Errorf("cache = %v/%d", ws.CacheTTL, ws.CacheMaxSize)
	}
	if ws.ConnectionLimit != 20 || ws.ConnectionLimitPerIP != 2 {
		t.Errorf("connection limits = %d/%d", ws.ConnectionLimit, ws.ConnectionLimitPerIP)
	}
	if ws.MaxInactivityTTL != time.Minute {
		t.Errorf("MaxInactivityTTL = %v", ws.MaxInactivityTTL)
	}
	if ws.SubscriptionLimit != 3 {
		t.Errorf("SubscriptionLimit = %d", ws.SubscriptionLimit)
	}
	if ws.NewHeadsEnabled || ws.SameSubForSameEvent || !ws.MultipleAddressesEnabled {
		t.Errorf("feature flags = %+v", ws)
	}
	if ws.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v", ws.PingInterval)
	}
	if !ws.BatchRequestsEnabled || ws.BatchRequestsMaxSize != 5 {
		t.Errorf("batch = %v/%d", ws.BatchRequestsEnabled, ws.BatchRequestsMaxSize)
	}
	if ws.RateLimitPerSecond != 2.5 || ws.RateLimitBurst != 4 {
		t.Errorf("rate limit = %v/%d", ws.RateLimitPerSecond, ws.RateLimitBurst)
	}
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"RELAY_RPC_TIMEOUT", "invalid"},
		{"RELAY_API_PORT", "http"},
		{"WS_POLLING_INTERVAL", "500ms"},
		{"WS_CONNECTION_LIMIT", "ten"},
		{"WS_NEW_HEADS_ENABLED", "maybe"},
		{"WS_RATE_LIMIT_PER_SECOND", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)

			err := NewConfig().LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tt.env, tt.value)
			}
			if !strings.Contains(err.Error(), tt.env) {
				t.Errorf("error %q does not name %s", err.Error(), tt.env)
			}
		})
	}
}

// TestLoadFromFile tests loading configuration from YAML file
func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
rpc:
  endpoint: "http://file:8545"
  timeout: 3s
log:
  level: warn
  format: console
api:
  port: 9100
websocket:
  polling_interval: 2s
  subscription_limit: 7
  new_heads_enabled: false
  multiple_addresses_enabled: true
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.RPC.Endpoint != "http://file:8545" || cfg.RPC.Timeout != 3*time.Second {
		t.Errorf("RPC = %+v", cfg.RPC)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}
	if cfg.WebSocket.PollingInterval != 2*time.Second {
		t.Errorf("PollingInterval = %v", cfg.WebSocket.PollingInterval)
	}
	if cfg.WebSocket.SubscriptionLimit != 7 {
		t.Errorf("SubscriptionLimit = %d", cfg.WebSocket.SubscriptionLimit)
	}
	if cfg.WebSocket.NewHeadsEnabled {
		t.Error("NewHeadsEnabled should be overridden to false by file")
	}
	if !cfg.WebSocket.MultipleAddressesEnabled {
		t.Error("MultipleAddressesEnabled should be true from file")
	}
	if cfg.WebSocket.CacheMaxSize != 1000 {
		t.Errorf("unset CacheMaxSize should keep default, got %d", cfg.WebSocket.CacheMaxSize)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}

	configFile := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configFile, []byte("rpc: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if err := cfg.LoadFromFile(configFile); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

// TestLoadWithEnvOverride tests that environment variables take precedence over the file
func TestLoadWithEnvOverride(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
rpc:
  endpoint: "http://file:8545"
websocket:
  connection_limit: 5
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("RELAY_RPC_ENDPOINT", "http://env:8545")
	t.Setenv("WS_CONNECTION_LIMIT", "8")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RPC.Endpoint != "http://env:8545" {
		t.Errorf("Expected env endpoint to win, got %q", cfg.RPC.Endpoint)
	}
	if cfg.WebSocket.ConnectionLimit != 8 {
		t.Errorf("Expected env connection limit 8, got %d", cfg.WebSocket.ConnectionLimit)
	}
}

func TestLoadWithoutEndpoint(t *testing.T) {
	t.Setenv("RELAY_RPC_ENDPOINT", "")

	if _, err := Load(""); err == nil {
		t.Error("Load() should fail without an RPC endpoint")
	}
}

func TestAPIAddress(t *testing.T) {
	api := APIConfig{Host: "127.0.0.1", Port: 8546}
	if got := api.Address(); got != "127.0.0.1:8546" {
		t.Errorf("Address() = %q", got)
	}
}
