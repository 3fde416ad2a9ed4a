package config

// mergeAgents merges built-in and user-defined agent configurations.
// User-defined agents override built-in agents with the same key.
func mergeAgents(builtinAgents map[string]AgentConfig, userAgents map[string]AgentConfig) map[string]*AgentConfig {
	result := make(map[string]*AgentConfig)

	// First, add built-in agents
	for key, agent := range builtinAgents {
		agentCopy := agent
		result[key] = &agentCopy
	}

	// Then, override with user-defined agents (or add new ones)
	for key, userAgent := range userAgents {
		agentCopy := userAgent
		result[key] = &agentCopy
	}

	return result
}

// mergeWorkflows merges built-in and user-defined workflow configurations.
// User-defined workflows override built-in workflows with the same key.
func mergeWorkflows(builtinWorkflows map[string]WorkflowConfig, userWorkflows map[string]WorkflowConfig) map[string]*WorkflowConfig {
	result := make(map[string]*WorkflowConfig)

	// First, add built-in workflows
	for key, wf := range builtinWorkflows {
		wfCopy := wf
		result[key] = &wfCopy
	}

	// Then, override with user-defined workflows (or add new ones)
	for key, userWf := range userWorkflows {
		wfCopy := userWf
		result[key] = &wfCopy
	}

	return result
}

// mergeProviders merges built-in and user-defined provider configurations.
// User-defined providers override built-in providers with the same name.
func mergeProviders(builtinProviders map[string]ProviderConfig, userProviders map[string]ProviderConfig) map[string]*ProviderConfig {
	result := make(map[string]*ProviderConfig)

	// First, add built-in providers
	for name, provider := range builtinProviders {
		providerCopy := provider
		result[name] = &providerCopy
	}

	// Then, override with user-defined providers (or add new ones)
	for name, userProvider := range userProviders {
		providerCopy := userProvider
		result[name] = &providerCopy
	}

	return result
}

// mergeGuardrails merges built-in and user-defined guardrail specs.
// User-defined specs override built-in specs with the same key.
func mergeGuardrails(builtinSpecs map[string]GuardrailSpecConfig, userSpecs map[string]GuardrailSpecConfig) map[string]*GuardrailSpecConfig {
	result := make(map[string]*GuardrailSpecConfig)

	// First, add built-in specs
	for key, spec := range builtinSpecs {
		specCopy := spec
		result[key] = &specCopy
	}

	// Then, override with user-defined specs (or add new ones)
	for key, userSpec := range userSpecs {
		specCopy := userSpec
		result[key] = &specCopy
	}

	return result
}

// mergePresets merges built-in and user-defined guardrail presets.
// User-defined presets override built-in presets with the same name.
func mergePresets(builtinPresets map[string]GuardrailPresetConfig, userPresets map[string]GuardrailPresetConfig) map[string]*GuardrailPresetConfig {
	result := make(map[string]*GuardrailPresetConfig)

	// First, add built-in presets
	for name, preset := range builtinPresets {
		presetCopy := preset
		result[name] = &presetCopy
	}

	// Then, override with user-defined presets (or add new ones)
	for name, userPreset := range userPresets {
		presetCopy := userPreset
		result[name] = &presetCopy
	}

	return result
}
