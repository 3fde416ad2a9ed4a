package config

// RedisConfig holds Redis connection settings. Redis backs the distributed
// rate-limit windows; an empty Addr falls back to the in-process limiter.
type RedisConfig struct {
	// Addr is host:port. Empty disables Redis.
	Addr string `yaml:"addr"`

	// Password for AUTH. Usually injected via {{.ENV_VAR}} expansion.
	Password string `yaml:"password,omitempty"`

	// DB is the logical database index.
	DB int `yaml:"db,omitempty"`

	// PoolSize caps connections per pod. Zero uses the client default.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// Enabled reports whether a Redis endpoint is configured.
func (c *RedisConfig) Enabled() bool {
	return c != nil && c.Addr != ""
}
