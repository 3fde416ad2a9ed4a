package config

import "time"

// LedgerConfig controls the append-only conversation ledger.
type LedgerConfig struct {
	// InlineMaxBytes is the payload size above which a frame body is
	// gzip-compressed and spilled to the object store, leaving a thin
	// reference row.
	InlineMaxBytes int `yaml:"inline_max_bytes"`

	// WriteDeadline bounds a single append (spill + insert + notify). An
	// append exceeding it returns an error; the emitter logs it and keeps
	// streaming, and replay surfaces the resulting gap.
	WriteDeadline time.Duration `yaml:"write_deadline"`
}

// DefaultLedgerConfig returns the built-in ledger defaults.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		InlineMaxBytes: 32 * 1024,
		WriteDeadline:  5 * time.Second,
	}
}

// StreamConfig controls public SSE streaming behavior.
type StreamConfig struct {
	// HeartbeatInterval is the idle interval between SSE comment
	// heartbeats that keep proxies from reaping the connection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ReplayBatchSize is how many recorded frames a replay or follow
	// request reads per ledger query.
	ReplayBatchSize int `yaml:"replay_batch_size"`
}

// DefaultStreamConfig returns the built-in stream defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		HeartbeatInterval: 15 * time.Second,
		ReplayBatchSize:   200,
	}
}
