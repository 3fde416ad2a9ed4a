package config

import (
	"sync"
	"time"
)

// BuiltinConfig holds all built-in configuration data.
// This provides default agents, workflows, providers, and guardrails so a
// bare deployment answers chat and workflow requests without any user YAML.
type BuiltinConfig struct {
	Agents         map[string]AgentConfig
	Workflows      map[string]WorkflowConfig
	Providers      map[string]ProviderConfig
	GuardrailSpecs map[string]GuardrailSpecConfig
	Presets        map[string]GuardrailPresetConfig
	DefaultAgent   string
	DefaultPreset  string
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Agents:         initBuiltinAgents(),
		Workflows:      initBuiltinWorkflows(),
		Providers:      initBuiltinProviders(),
		GuardrailSpecs: initBuiltinGuardrailSpecs(),
		Presets:        initBuiltinPresets(),
		DefaultAgent:   "triage",
		DefaultPreset:  "standard",
	}
}

func initBuiltinAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"triage": {
			DisplayName:  "Triage",
			Description:  "General-purpose agent that answers directly or routes to a specialist",
			Capabilities: []string{"chat", "routing"},
			Instructions: "You are a triage assistant. Answer simple questions directly. " +
				"For analysis or coding requests, state which specialist should handle them and why.",
			MemoryStrategy: MemoryStrategyWindow,
			MemoryWindow:   50,
		},
		"analysis": {
			DisplayName:  "Analysis",
			Description:  "Research and analysis agent producing structured findings",
			Capabilities: []string{"analysis", "research"},
			Instructions: "You are an analysis assistant. Break the request into findings with " +
				"evidence. Be explicit about uncertainty.",
			MemoryStrategy: MemoryStrategyWindow,
			MemoryWindow:   50,
		},
		"code": {
			DisplayName:  "Code",
			Description:  "Code generation and review agent",
			Capabilities: []string{"code"},
			Instructions: "You are a coding assistant. Produce working code with a short " +
				"explanation. Prefer small, reviewable changes.",
			MemoryStrategy: MemoryStrategyWindow,
			MemoryWindow:   50,
		},
		"summarizer": {
			DisplayName:  "Summarizer",
			Description:  "Compacts long content into short summaries",
			Capabilities: []string{"summarization"},
			Instructions: "Summarize the provided content. Keep concrete facts, drop filler. " +
				"Output plain prose, no preamble.",
			MemoryStrategy: MemoryStrategyNone,
		},
	}
}

func initBuiltinWorkflows() map[string]WorkflowConfig {
	return map[string]WorkflowConfig{
		"analysis_code": {
			DisplayName: "Analysis then code",
			Description: "Analyze the request, then produce code from the findings",
			Default:     true,
			Stages: []WorkflowStageConfig{
				{
					Name: "main",
					Mode: StageModeSequential,
					Steps: []WorkflowStepConfig{
						{Name: "analysis", AgentKey: "analysis"},
						{Name: "code", AgentKey: "code"},
					},
				},
			},
		},
		"deep_analysis": {
			DisplayName: "Deep analysis",
			Description: "Triage, fan out to analysis and code in parallel, then summarize",
			Stages: []WorkflowStageConfig{
				{
					Name: "triage",
					Mode: StageModeSequential,
					Steps: []WorkflowStepConfig{
						{Name: "triage", AgentKey: "triage"},
					},
				},
				{
					Name:    "fanout",
					Mode:    StageModeParallel,
					Reducer: "concat",
					Steps: []WorkflowStepConfig{
						{Name: "analysis", AgentKey: "analysis"},
						{Name: "code", AgentKey: "code"},
					},
				},
				{
					Name: "summarize",
					Mode: StageModeSequential,
					Steps: []WorkflowStepConfig{
						{Name: "summarize", AgentKey: "summarizer"},
					},
				},
			},
		},
	}
}

func initBuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai-default": {
			Type:                 ProviderTypeOpenAI,
			APIKeyEnv:            "OPENAI_API_KEY",
			DefaultModel:         "gpt-4o-mini",
			ConversationIDPrefix: "conv_",
			MaxRetries:           3,
			RetryBaseDelay:       500 * time.Millisecond,
		},
		"anthropic-default": {
			Type:           ProviderTypeAnthropic,
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			DefaultModel:   "claude-sonnet-4-5",
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
		},
		"scripted": {
			Type: ProviderTypeScripted,
		},
	}
}

// Config schemas for the builtin check engines. Each call returns a fresh
// map so per-spec copies never share state.

func maxLengthConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"max_chars": map[string]any{"type": "integer", "minimum": 1},
		},
		"required":             []any{"max_chars"},
		"additionalProperties": false,
	}
}

func regexBlockConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patterns": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"case_insensitive": map[string]any{"type": "boolean"},
		},
		"required":             []any{"patterns"},
		"additionalProperties": false,
	}
}

func regexRedactConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patterns": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"replacement": map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"patterns"},
		"additionalProperties": false,
	}
}

func initBuiltinGuardrailSpecs() map[string]GuardrailSpecConfig {
	return map[string]GuardrailSpecConfig{
		"message_length": {
			DisplayName:  "Message length cap",
			Description:  "Rejects user messages above a character budget before provider work starts",
			Stage:        StagePreFlight,
			Engine:       EngineRegex,
			Check:        "max_length",
			ConfigSchema: maxLengthConfigSchema(),
			DefaultConfig: map[string]any{
				"max_chars": 65536,
			},
		},
		"banned_terms_input": {
			DisplayName:  "Banned terms (input)",
			Description:  "Blocks user messages containing banned terms",
			Stage:        StageInput,
			Engine:       EngineRegex,
			Check:        "regex_block",
			ConfigSchema: regexBlockConfigSchema(),
			DefaultConfig: map[string]any{
				"patterns":         []any{},
				"case_insensitive": true,
			},
		},
		"pii_detection_input": {
			DisplayName:  "PII detection (input)",
			Description:  "Blocks user messages carrying social security or card numbers",
			Stage:        StageInput,
			Engine:       EngineRegex,
			Check:        "regex_block",
			ConfigSchema: regexBlockConfigSchema(),
			DefaultConfig: map[string]any{
				"patterns": []any{
					`\b\d{3}-\d{2}-\d{4}\b`,
					`\b(?:\d[ -]*?){13,16}\b`,
				},
			},
		},
		"pii_detection_output": {
			DisplayName:  "PII detection (output)",
			Description:  "Redacts emails and identifiers from model output",
			Stage:        StageOutput,
			Engine:       EngineRegex,
			Check:        "regex_redact",
			ConfigSchema: regexRedactConfigSchema(),
			DefaultConfig: map[string]any{
				"patterns": []any{
					`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
					`\b\d{3}-\d{2}-\d{4}\b`,
				},
				"replacement": "[REDACTED]",
			},
		},
		"secret_leak_output": {
			DisplayName:  "Secret leak (output)",
			Description:  "Redacts key material and tokens from model output",
			Stage:        StageOutput,
			Engine:       EngineRegex,
			Check:        "regex_redact",
			ConfigSchema: regexRedactConfigSchema(),
			DefaultConfig: map[string]any{
				"patterns": []any{
					`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{20,}["']?`,
					`(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`,
					`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
					`(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
				},
				"replacement": "[REDACTED]",
			},
		},
		"tool_arg_secrets": {
			DisplayName:  "Tool argument secrets",
			Description:  "Blocks tool calls whose arguments carry credentials",
			Stage:        StageToolInput,
			Engine:       EngineRegex,
			Check:        "regex_block",
			ConfigSchema: regexBlockConfigSchema(),
			DefaultConfig: map[string]any{
				"patterns": []any{
					`(?i)(?:password|pwd|pass)["']?\s*[:=]\s*["']?[^"'\s]{6,}`,
					`(?i)aws[_-]?secret[_-]?access[_-]?key`,
				},
			},
		},
		"tool_result_redaction": {
			DisplayName:  "Tool result redaction",
			Description:  "Redacts credentials from tool results before the model sees them",
			Stage:        StageToolOutput,
			Engine:       EngineRegex,
			Check:        "regex_redact",
			ConfigSchema: regexRedactConfigSchema(),
			DefaultConfig: map[string]any{
				"patterns": []any{
					`(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-.]{20,}["']?`,
					`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
				},
				"replacement": "[REDACTED]",
			},
		},
	}
}

func initBuiltinPresets() map[string]GuardrailPresetConfig {
	return map[string]GuardrailPresetConfig{
		"standard": {
			Description: "Length cap on the way in, PII and secret redaction on the way out",
			Bundles: []GuardrailBundleConfig{
				{
					Guardrails: []GuardrailAttachment{
						{Spec: "message_length"},
						{Spec: "banned_terms_input"},
					},
				},
				{
					Guardrails: []GuardrailAttachment{
						{Spec: "pii_detection_output"},
						{Spec: "secret_leak_output"},
					},
				},
			},
		},
		"strict": {
			Description: "Standard plus input PII blocking and tool argument screening",
			Bundles: []GuardrailBundleConfig{
				{
					Guardrails: []GuardrailAttachment{
						{Spec: "message_length"},
						{Spec: "banned_terms_input"},
						{Spec: "pii_detection_input"},
					},
				},
				{
					Concurrency: 2,
					Guardrails: []GuardrailAttachment{
						{Spec: "pii_detection_output"},
						{Spec: "secret_leak_output"},
						{Spec: "tool_arg_secrets"},
						{Spec: "tool_result_redaction"},
					},
				},
			},
		},
		"permissive": {
			Description: "Observe-only: tripwires are recorded but never block or redact",
			Bundles: []GuardrailBundleConfig{
				{
					SuppressTripwire: true,
					Guardrails: []GuardrailAttachment{
						{Spec: "pii_detection_output"},
						{Spec: "secret_leak_output"},
					},
				},
			},
		},
	}
}
