package config

// Defaults contains system-wide default configurations
// These values are used when specific components don't specify their own values
type Defaults struct {
	// Model provider default for all agents
	Provider string `yaml:"provider,omitempty"`

	// Max turns default (forces conclusion when reached)
	MaxTurns *int `yaml:"max_turns,omitempty" validate:"omitempty,min=1"`

	// Memory strategy default for agents that specify none
	MemoryStrategy MemoryStrategyType `yaml:"memory_strategy,omitempty"`

	// Window size default for the window strategy
	MemoryWindow int `yaml:"memory_window,omitempty" validate:"omitempty,min=1"`

	// Guardrail preset applied when neither tenant nor agent names one
	GuardrailPreset string `yaml:"guardrail_preset,omitempty"`

	// Agent used for direct conversation messages that name no agent
	Agent string `yaml:"agent,omitempty"`
}
