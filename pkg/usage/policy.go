package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
)

// ErrPolicyMisconfigured flags a limit that counts a metric the counters do
// not record. Callers surface it as a payment-required failure so operators
// notice billing policy gaps instead of silently admitting traffic.
var ErrPolicyMisconfigured = errors.New("usage policy misconfigured")

// Outcome classifies a usage gate decision.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeSoftLimit Outcome = "soft_limit"
	OutcomeHardLimit Outcome = "hard_limit"
)

// Decision is the gate verdict for one request. On a breach the remaining
// fields identify the exhausted limit; they feed the 429 response body.
type Decision struct {
	Outcome Outcome            `json:"outcome"`
	Feature string             `json:"feature"`
	Metric  config.UsageMetric `json:"metric,omitempty"`
	Limit   int64              `json:"limit,omitempty"`
	Current int64              `json:"current,omitempty"`
	Window  string             `json:"window,omitempty"`
}

// Allowed reports whether the request may proceed. A soft limit breach
// proceeds; the caller carries it as a response marker.
func (d Decision) Allowed() bool {
	return d.Outcome != OutcomeHardLimit
}

// Gate evaluates plan usage limits against the tenant-wide counters before
// provider work starts.
type Gate struct {
	db  *database.Client
	cfg *config.UsageLimitsConfig
}

// NewGate creates a usage gate for the configured limits.
func NewGate(db *database.Client, cfg *config.UsageLimitsConfig) *Gate {
	return &Gate{db: db, cfg: cfg}
}

// Evaluate checks every limit configured for the feature. The first exhausted
// hard limit denies the request; exhausted soft limits log and mark the
// decision but never deny.
func (g *Gate) Evaluate(ctx context.Context, tenantID, feature string, now time.Time) (Decision, error) {
	allow := Decision{Outcome: OutcomeAllow, Feature: feature}
	if g.cfg == nil || g.cfg.UsageLimitsDisabled() {
		return allow, nil
	}

	var soft *Decision
	for _, limit := range g.cfg.Limits {
		if limit.Feature != feature {
			continue
		}
		if limit.Metric == config.MetricCostMicrocents {
			return Decision{}, fmt.Errorf("%w: %s limit counts %s but no cost data is recorded",
				ErrPolicyMisconfigured, feature, limit.Metric)
		}
		current, err := g.currentUsage(ctx, tenantID, limit, now)
		if err != nil {
			return Decision{}, err
		}
		if current < limit.Limit {
			continue
		}

		d := Decision{
			Feature: feature,
			Metric:  limit.Metric,
			Limit:   limit.Limit,
			Current: current,
			Window:  limit.Granularity,
		}
		if limit.Soft() {
			d.Outcome = OutcomeSoftLimit
			slog.Warn("Soft usage limit reached",
				"tenant_id", tenantID,
				"feature", feature,
				"metric", limit.Metric,
				"limit", limit.Limit,
				"current", current,
				"window", limit.Granularity)
			if soft == nil {
				soft = &d
			}
			continue
		}
		d.Outcome = OutcomeHardLimit
		return d, nil
	}

	if soft != nil {
		return *soft, nil
	}
	return allow, nil
}

// currentUsage reads the tenant bucket for the limit's window. The virtual
// "total" granularity sums the month buckets; months partition time, so their
// sum is the all-time figure.
func (g *Gate) currentUsage(ctx context.Context, tenantID string, limit config.UsageLimitConfig, now time.Time) (int64, error) {
	expr := "requests"
	if limit.Metric == config.MetricTokens {
		expr = "input_tokens + output_tokens"
	}

	var (
		current int64
		err     error
	)
	if limit.Granularity == "total" {
		err = g.db.GetContext(ctx, &current, fmt.Sprintf(`
			SELECT COALESCE(SUM(%s), 0) FROM usage_counters
			WHERE tenant_id = $1 AND user_id IS NULL AND granularity = 'month'`, expr),
			tenantID)
	} else {
		gran := models.Granularity(limit.Granularity)
		err = g.db.GetContext(ctx, &current, fmt.Sprintf(`
			SELECT COALESCE(SUM(%s), 0) FROM usage_counters
			WHERE tenant_id = $1 AND user_id IS NULL
			  AND granularity = $2 AND period_start = $3`, expr),
			tenantID, string(gran), gran.PeriodStart(now))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counters: %w", err)
	}
	return current, nil
}
