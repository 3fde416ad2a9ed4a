package database

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig returns development defaults. The password is intentionally
// empty; LoadConfigFromEnv requires DB_PASSWORD to be set.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         5432,
		User:         "arion",
		Password:     "",
		Database:     "arion",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 10,
	}
}

// LoadConfigFromEnv builds a Config from DB_* environment variables,
// falling back to defaults for anything unset.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.User = v
	}
	cfg.Password = os.Getenv("DB_PASSWORD")
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.SSLMode = v
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_MAX_OPEN_CONNS %q: %w", v, err)
		}
		cfg.MaxOpenConns = n
	}
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_MAX_IDLE_CONNS %q: %w", v, err)
		}
		cfg.MaxIdleConns = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("database port %d out of range", c.Port)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max open connections must be at least 1, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must not be negative, got %d", c.MaxIdleConns)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max idle connections (%d) exceed max open connections (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// DSN returns the PostgreSQL connection string. The ledger's LISTEN/NOTIFY
// connection reuses this to dial its own dedicated session.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}
