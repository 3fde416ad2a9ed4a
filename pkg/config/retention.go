package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// ConversationRetentionDays is how many days a truncated segment's
	// spilled ledger objects survive before the sweep deletes them.
	ConversationRetentionDays int `yaml:"conversation_retention_days"`

	// RunRetentionDays is how many days terminal workflow runs are kept
	// before deletion.
	RunRetentionDays int `yaml:"run_retention_days"`

	// CounterTTL is the maximum age of expired usage counter rows before
	// deletion. Total-granularity counters are never swept.
	CounterTTL time.Duration `yaml:"counter_ttl"`

	// SweepInterval is how often the cleanup loop runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ConversationRetentionDays: 30,
		RunRetentionDays:          90,
		CounterTTL:                90 * 24 * time.Hour,
		SweepInterval:             12 * time.Hour,
	}
}
