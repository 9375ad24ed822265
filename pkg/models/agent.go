package models

// ConfigType selects which configuration profile an agent runs with.
type ConfigType string

const (
	// ConfigStandard is the default balanced profile.
	ConfigStandard ConfigType = "standard"
	// ConfigCoding favors deterministic, structured output.
	ConfigCoding ConfigType = "coding"
	// ConfigReview favors critical analysis.
	ConfigReview ConfigType = "review"
	// ConfigCreative favors exploratory output.
	ConfigCreative ConfigType = "creative"
)

// Valid returns true if the config type is a known value.
func (c ConfigType) Valid() bool {
	switch c {
	case ConfigStandard, ConfigCoding, ConfigReview, ConfigCreative:
		return true
	default:
		return false
	}
}

// AgentMetadata describes a registered agent. It is immutable once the
// agent is registered and is owned by the registry for the process lifetime.
type AgentMetadata struct {
	// Name is the human-readable agent name.
	Name string `json:"name"`
	// Description explains what the agent does.
	Description string `json:"description"`
	// Capabilities lists what the agent can produce.
	Capabilities []string `json:"capabilities,omitempty"`
	// Dependencies names other agents this one expects upstream.
	// These are advisory metadata used for diagnostics; the structural
	// execution order comes from StepDefinition.DependsOn.
	Dependencies []string `json:"dependencies,omitempty"`
	// ConfigType selects the configuration profile.
	ConfigType ConfigType `json:"config_type"`
	// Version is the agent implementation version.
	Version string `json:"version"`
}

// ValidationResult is the outcome of validating an agent's input.
type ValidationResult struct {
	// IsValid is false only when the input cannot be processed at all.
	IsValid bool `json:"is_valid"`
	// Warnings flag input that is usable but likely to produce poor results.
	Warnings []string `json:"warnings,omitempty"`
	// Suggestions offer ways to improve the input.
	Suggestions []string `json:"suggestions,omitempty"`
}
