package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xmhha/wsrelay-go/internal/constants"
)

// Config holds API server configuration
type Config struct {
	// Host is the server host
	Host string

	// Port is the server port
	Port int

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int

	// WebSocketPath is the path the relay accepts upgrades on
	WebSocketPath string

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            constants.DefaultAPIHost,
		Port:            constants.DefaultAPIPort,
		ReadTimeout:     constants.DefaultReadTimeout,
		WriteTimeout:    constants.DefaultWriteTimeout,
		IdleTimeout:     constants.DefaultIdleTimeout,
		MaxHeaderBytes:  constants.DefaultMaxHeaderBytes,
		WebSocketPath:   constants.DefaultWebSocketPath,
		ShutdownTimeout: constants.DefaultShutdownTimeout,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}
	if c.MaxHeaderBytes <= 0 {
		return errors.New("max header bytes must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		return errors.New("websocket path must start with /")
	}
	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
