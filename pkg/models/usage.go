package models

import "time"

// Granularity is a usage counter bucket size.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityMonth  Granularity = "month"
)

// AllGranularities lists every bucket a usage record is rolled into.
var AllGranularities = []Granularity{
	GranularityMinute, GranularityHour, GranularityDay, GranularityMonth,
}

// PeriodStart truncates t (UTC) to the start of the bucket containing it.
func (g Granularity) PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityMinute:
		return t.Truncate(time.Minute)
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// UsageCounter is the authoritative per-period aggregate. user_id null means
// the tenant-wide bucket. Upserts are additive.
type UsageCounter struct {
	TenantID     string      `db:"tenant_id" json:"tenant_id"`
	UserID       *string     `db:"user_id" json:"user_id,omitempty"`
	PeriodStart  time.Time   `db:"period_start" json:"period_start"`
	Granularity  Granularity `db:"granularity" json:"granularity"`
	InputTokens  int64       `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64       `db:"output_tokens" json:"output_tokens"`
	Requests     int64       `db:"requests" json:"requests"`
	StorageBytes int64       `db:"storage_bytes" json:"storage_bytes"`
}

// RunUsage is the detailed per-response attribution log. IdempotencyKey makes
// repeated ingestion of the same response a no-op.
type RunUsage struct {
	ID                    int64     `db:"id" json:"id"`
	ConversationID        string    `db:"conversation_id" json:"conversation_id"`
	ResponseID            string    `db:"response_id" json:"response_id"`
	RunID                 *string   `db:"run_id" json:"run_id,omitempty"`
	AgentKey              string    `db:"agent_key" json:"agent_key"`
	Provider              string    `db:"provider" json:"provider"`
	Requests              int       `db:"requests" json:"requests"`
	InputTokens           int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens          int64     `db:"output_tokens" json:"output_tokens"`
	CachedInputTokens     int64     `db:"cached_input_tokens" json:"cached_input_tokens"`
	ReasoningOutputTokens int64     `db:"reasoning_output_tokens" json:"reasoning_output_tokens"`
	IdempotencyKey        string    `db:"idempotency_key" json:"-"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}
