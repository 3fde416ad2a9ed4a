package config

// UsageLimitsConfig holds plan-level usage guardrails, enforced by the usage
// gate before provider work starts.
type UsageLimitsConfig struct {
	// Enabled is a *bool: nil means "use default" (enabled), explicit
	// false disables enforcement while counters keep recording.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Limits are evaluated per request feature; all matching limits must
	// have headroom.
	Limits []UsageLimitConfig `yaml:"limits,omitempty" validate:"dive"`
}

// UsageLimitConfig defines one usage ceiling.
type UsageLimitConfig struct {
	// Feature the limit applies to (messages, workflow_runs, attachments, ...)
	Feature string `yaml:"feature" validate:"required"`

	// Metric counted against the ceiling
	Metric UsageMetric `yaml:"metric" validate:"required"`

	// Limit is the ceiling for the granularity period (required)
	Limit int64 `yaml:"limit" validate:"required,min=1"`

	// Granularity of the counting period (minute, hour, day, month, total)
	Granularity string `yaml:"granularity" validate:"required"`

	// Enforcement is "hard" (deny on breach) or "soft" (log and mark the
	// response). Empty means hard.
	Enforcement string `yaml:"enforcement,omitempty"`
}

// Soft reports whether a breach of this limit only marks the response
// instead of denying the request.
func (l UsageLimitConfig) Soft() bool {
	return l.Enforcement == "soft"
}

// UsageMetric names what a usage limit counts.
type UsageMetric string

const (
	// MetricRequests counts accepted requests
	MetricRequests UsageMetric = "requests"
	// MetricTokens counts total provider tokens
	MetricTokens UsageMetric = "tokens"
	// MetricCostMicrocents counts accumulated cost in microcents
	MetricCostMicrocents UsageMetric = "cost_microcents"
)

// IsValid checks if the usage metric is valid
func (m UsageMetric) IsValid() bool {
	switch m {
	case MetricRequests, MetricTokens, MetricCostMicrocents:
		return true
	default:
		return false
	}
}

// usageGranularities are the granularity values accepted in usage limits.
// Kept in sync with the counter period computation in pkg/usage.
var usageGranularities = map[string]bool{
	"minute": true,
	"hour":   true,
	"day":    true,
	"month":  true,
	"total":  true,
}

// UsageLimitsDisabled returns true only when Enabled is explicitly set to false.
func (c *UsageLimitsConfig) UsageLimitsDisabled() bool {
	return c != nil && c.Enabled != nil && !*c.Enabled
}

// DefaultUsageLimitsConfig returns the built-in usage guardrail defaults.
func DefaultUsageLimitsConfig() *UsageLimitsConfig {
	return &UsageLimitsConfig{
		Limits: []UsageLimitConfig{
			{
				Feature:     "messages",
				Metric:      MetricRequests,
				Limit:       1000,
				Granularity: "day",
			},
			{
				Feature:     "workflow_runs",
				Metric:      MetricRequests,
				Limit:       200,
				Granularity: "day",
			},
		},
	}
}
