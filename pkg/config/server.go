package config

import (
	"net"
	"strconv"
	"time"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address. Empty binds all interfaces.
	Host string `yaml:"host"`

	// Port is the listen port.
	Port int `yaml:"port"`

	// AllowedOrigins are CORS origins permitted on the public API.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// BodyLimit caps request body size, echo syntax ("2M", "512K").
	BodyLimit string `yaml:"body_limit"`

	// RequestTimeout bounds non-streaming handler execution.
	// Streaming endpoints manage their own lifetimes.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout is the max time to drain in-flight requests on stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		AllowedOrigins:  []string{"http://localhost:5173"},
		BodyLimit:       "2M",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}
