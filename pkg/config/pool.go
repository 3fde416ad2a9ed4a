package config

import "time"

// WorkerPoolConfig contains worker pool configuration for background
// workflow runs. These values control how queued runs are polled, claimed,
// and processed.
type WorkerPoolConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and claims queued runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the global limit of concurrent runs being
	// processed across ALL replicas/pods. Enforced by database COUNT(*) check.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PollInterval is the base interval for checking queued runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RunTimeout is the maximum time a workflow run can be processed.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active runs
	// to complete during shutdown. Should match RunTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanScanInterval is how often to scan for orphaned runs.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// OrphanThreshold is how long a run can go without a heartbeat
	// before it is considered orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// DefaultWorkerPoolConfig returns the built-in worker pool defaults.
func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		WorkerCount:             5,
		MaxConcurrentRuns:       10,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RunTimeout:              10 * time.Minute,
		GracefulShutdownTimeout: 10 * time.Minute,
		OrphanScanInterval:      2 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
	}
}
