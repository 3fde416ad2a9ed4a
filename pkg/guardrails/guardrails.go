// Package guardrails loads guardrail specs and presets, resolves the
// effective check set for a run, and executes checks against content at the
// pipeline stages (pre_flight, input, tool_input, tool_output, output).
//
// Specs and presets are data (pkg/config); the check implementations live in
// a registration map keyed by check name, bound at registry construction.
// Blocking stages fail fast on the first non-suppressed tripwire; redacting
// stages run every check and rewrite the offending content.
package guardrails

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/provider"
)

// CheckResult is what a single check reports for one piece of content.
type CheckResult struct {
	TripwireTriggered bool
	Confidence        float64
	Info              map[string]any

	// Redacted carries the rewritten content when a redacting check fired.
	// Nil means the content is unchanged.
	Redacted *string

	// TokenUsage is set by model-backed checks.
	TokenUsage *provider.TokenUsage
}

// CheckFunc runs one check against content. Configuration is bound when the
// pipeline is resolved, so the function only sees the content.
type CheckFunc func(ctx context.Context, content string) (CheckResult, error)

// CheckBuilder validates a merged check config and returns the bound check.
// Builders compile patterns eagerly so config errors surface at resolve time,
// not mid-run.
type CheckBuilder func(cfg map[string]any) (CheckFunc, error)

// Result is the recorded outcome of one check at one stage. It maps onto the
// guardrail_result stream frame.
type Result struct {
	Key               string                `json:"guardrail_key"`
	Stage             config.GuardrailStage `json:"guardrail_stage"`
	TripwireTriggered bool                  `json:"guardrail_tripwire_triggered"`
	Suppressed        bool                  `json:"guardrail_suppressed"`
	Confidence        float64               `json:"confidence,omitempty"`
	TokenUsage        *provider.TokenUsage  `json:"guardrail_token_usage,omitempty"`
	Info              map[string]any        `json:"info,omitempty"`
}

// TripwireError is returned when a non-suppressed check trips at a blocking
// stage. It carries the triggering result so callers can surface it.
type TripwireError struct {
	Result Result
}

func (e *TripwireError) Error() string {
	return fmt.Sprintf("guardrail %s tripped at %s stage", e.Result.Key, e.Result.Stage)
}

// Registry holds guardrail specs, presets, and the check registration map.
// Created once at application startup. Thread-safe for resolution; check
// registration happens before the first resolve.
type Registry struct {
	specs   *config.GuardrailRegistry
	presets *config.PresetRegistry
	checks  map[string]CheckBuilder
}

// NewRegistry creates a guardrail registry with the builtin checks
// registered.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		specs:   cfg.GuardrailRegistry,
		presets: cfg.PresetRegistry,
		checks:  make(map[string]CheckBuilder),
	}
	r.RegisterCheck("max_length", buildMaxLength)
	r.RegisterCheck("regex_block", buildRegexBlock)
	r.RegisterCheck("regex_redact", buildRegexRedact)

	slog.Info("Guardrail registry initialized",
		"specs", cfg.GuardrailRegistry.Len(),
		"presets", cfg.PresetRegistry.Len(),
		"checks", len(r.checks))
	return r
}

// RegisterCheck adds a check implementation under the given name. Specs
// reference checks by this name.
func (r *Registry) RegisterCheck(name string, builder CheckBuilder) {
	r.checks[name] = builder
}
