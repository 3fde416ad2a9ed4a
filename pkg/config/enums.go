package config

// Environment selects runtime behavior: stricter checks (Redis TLS, required
// signing keys) apply outside development and test.
type Environment string

const (
	// EnvDevelopment is the local development environment
	EnvDevelopment Environment = "development"
	// EnvStaging is the pre-production environment
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment
	EnvProduction Environment = "production"
	// EnvTest is the automated-test environment
	EnvTest Environment = "test"
)

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTest:
		return true
	default:
		return false
	}
}

// IsLocal reports whether relaxed defaults (no TLS, optional keys) apply.
func (e Environment) IsLocal() bool {
	return e == EnvDevelopment || e == EnvTest
}

// ProviderType defines supported model provider runtimes
type ProviderType string

const (
	// ProviderTypeOpenAI is the OpenAI chat completions API
	ProviderTypeOpenAI ProviderType = "openai"
	// ProviderTypeAnthropic is the Anthropic Messages API
	ProviderTypeAnthropic ProviderType = "anthropic"
	// ProviderTypeScripted is the deterministic runtime for tests and local development
	ProviderTypeScripted ProviderType = "scripted"
)

// IsValid checks if the provider type is valid
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeScripted:
		return true
	default:
		return false
	}
}

// MemoryStrategyType defines session memory compaction strategies
type MemoryStrategyType string

const (
	// MemoryStrategyNone disables compaction
	MemoryStrategyNone MemoryStrategyType = "none"
	// MemoryStrategyWindow keeps only the last N session items
	MemoryStrategyWindow MemoryStrategyType = "window"
	// MemoryStrategySummarize replaces old items with a model-produced summary
	MemoryStrategySummarize MemoryStrategyType = "summarize"
)

// IsValid checks if the memory strategy is valid
func (s MemoryStrategyType) IsValid() bool {
	switch s {
	case MemoryStrategyNone, MemoryStrategyWindow, MemoryStrategySummarize:
		return true
	default:
		return false
	}
}

// GuardrailStage identifies where in the pipeline a guardrail check runs
type GuardrailStage string

const (
	// StagePreFlight runs before any provider work starts
	StagePreFlight GuardrailStage = "pre_flight"
	// StageInput runs against the user message
	StageInput GuardrailStage = "input"
	// StageOutput runs against the final model output
	StageOutput GuardrailStage = "output"
	// StageToolInput runs against tool call arguments
	StageToolInput GuardrailStage = "tool_input"
	// StageToolOutput runs against tool results
	StageToolOutput GuardrailStage = "tool_output"
)

// IsValid checks if the guardrail stage is valid
func (s GuardrailStage) IsValid() bool {
	switch s {
	case StagePreFlight, StageInput, StageOutput, StageToolInput, StageToolOutput:
		return true
	default:
		return false
	}
}

// Blocking reports whether a tripwire at this stage stops the provider call
// entirely, as opposed to redacting content that already exists.
func (s GuardrailStage) Blocking() bool {
	return s == StagePreFlight || s == StageInput || s == StageToolInput
}

// GuardrailEngine classifies how a guardrail check is implemented
type GuardrailEngine string

const (
	// EngineRegex is a pattern-matching check
	EngineRegex GuardrailEngine = "regex"
	// EngineLLM delegates the decision to a model call
	EngineLLM GuardrailEngine = "llm"
	// EngineAPI calls an external classification service
	EngineAPI GuardrailEngine = "api"
	// EngineHybrid combines regex pre-filtering with a model decision
	EngineHybrid GuardrailEngine = "hybrid"
)

// IsValid checks if the guardrail engine is valid
func (e GuardrailEngine) IsValid() bool {
	switch e {
	case EngineRegex, EngineLLM, EngineAPI, EngineHybrid:
		return true
	default:
		return false
	}
}

// StageMode defines how a workflow stage executes its steps
type StageMode string

const (
	// StageModeSequential runs steps one after another, piping outputs forward
	StageModeSequential StageMode = "sequential"
	// StageModeParallel runs all steps concurrently and reduces their outputs
	StageModeParallel StageMode = "parallel"
)

// IsValid checks if the stage mode is valid
func (m StageMode) IsValid() bool {
	return m == StageModeSequential || m == StageModeParallel
}

// RateLimitScope keys a rate-limit window to an identity
type RateLimitScope string

const (
	// ScopeIP keys the window by client IP
	ScopeIP RateLimitScope = "ip"
	// ScopeUser keys the window by authenticated user
	ScopeUser RateLimitScope = "user"
	// ScopeTenant keys the window by tenant
	ScopeTenant RateLimitScope = "tenant"
	// ScopeGlobal applies one shared window
	ScopeGlobal RateLimitScope = "global"
)

// IsValid checks if the rate limit scope is valid
func (s RateLimitScope) IsValid() bool {
	switch s {
	case ScopeIP, ScopeUser, ScopeTenant, ScopeGlobal:
		return true
	default:
		return false
	}
}

// ObjectStoreProvider selects the object store port implementation
type ObjectStoreProvider string

const (
	// ObjectStoreS3 is AWS S3
	ObjectStoreS3 ObjectStoreProvider = "s3"
	// ObjectStoreGCS is Google Cloud Storage via its S3-compatible endpoint
	ObjectStoreGCS ObjectStoreProvider = "gcs"
	// ObjectStoreAzure is Azure Blob Storage via an S3-compatible gateway
	ObjectStoreAzure ObjectStoreProvider = "azure"
	// ObjectStoreMinIO is a MinIO endpoint
	ObjectStoreMinIO ObjectStoreProvider = "minio"
	// ObjectStoreMemory is the in-process store for tests and local development
	ObjectStoreMemory ObjectStoreProvider = "memory"
)

// IsValid checks if the object store provider is valid
func (p ObjectStoreProvider) IsValid() bool {
	switch p {
	case ObjectStoreS3, ObjectStoreGCS, ObjectStoreAzure, ObjectStoreMinIO, ObjectStoreMemory:
		return true
	default:
		return false
	}
}
