// Package model provides capability-based model selection for workflow stages.
// Instead of hardcoding model names, stages specify capabilities (query,
// resolution, evaluation) and the registry resolves them to available models
// with fallback chains.
package model

// Capability represents a semantic capability for model selection.
// Instead of specifying "claude-sonnet", stages specify "resolution" or "evaluation".
type Capability string

const (
	// CapabilityQuery is for search query formulation from transcripts.
	CapabilityQuery Capability = "query"

	// CapabilityResolution is for customer-facing answer synthesis.
	CapabilityResolution Capability = "resolution"

	// CapabilityEvaluation is for judging answer quality. Kept on a separate
	// capability so the judge model can be configured independently of the
	// generator and reduce correlated bias.
	CapabilityEvaluation Capability = "evaluation"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// StageCapabilities maps workflow stage names to their default capability.
// Used when no explicit capability or model is specified.
var StageCapabilities = map[string]Capability{
	"query_formulation":     CapabilityQuery,
	"resolution_generation": CapabilityResolution,
	"evaluation":            CapabilityEvaluation,
}

// CapabilityForStage returns the default capability for a workflow stage.
// Returns CapabilityFast as fallback for unknown stages.
func CapabilityForStage(stage string) Capability {
	if cap, ok := StageCapabilities[stage]; ok {
		return cap
	}
	return CapabilityFast
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityQuery, CapabilityResolution, CapabilityEvaluation, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
