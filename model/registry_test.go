package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryCoversWorkflowCapabilities(t *testing.T) {
	r := NewDefaultRegistry()

	for _, cap := range []Capability{CapabilityQuery, CapabilityResolution, CapabilityEvaluation, CapabilityFast} {
		chain := r.GetFallbackChain(cap)
		require.NotEmpty(t, chain, string(cap))

		// Every model in a chain has an endpoint.
		for _, name := range chain {
			assert.NotNil(t, r.GetEndpoint(name), "%s -> %s", cap, name)
		}
	}
}

func TestResolvePrefersFirstPreferred(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, "claude-sonnet", r.Resolve(CapabilityResolution))
	assert.Equal(t, "gpt-4o", r.Resolve(CapabilityEvaluation))
}

func TestResolveUnknownCapabilityFallsBackToDefault(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, "qwen", r.Resolve(Capability("unknown")))
}

func TestGetFallbackChainOrder(t *testing.T) {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityQuery: {
				Preferred: []string{"a", "b"},
				Fallback:  []string{"c"},
			},
		},
		map[string]*EndpointConfig{},
	)

	assert.Equal(t, []string{"a", "b", "c"}, r.GetFallbackChain(CapabilityQuery))
}

func TestGetFallbackChainUnknownCapability(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.SetDefault("fallback-model")
	assert.Equal(t, []string{"fallback-model"}, r.GetFallbackChain(CapabilityQuery))
}

func TestSetEndpointAndCapability(t *testing.T) {
	r := NewRegistry(nil, nil)

	r.SetEndpoint("local", &EndpointConfig{
		Provider: "ollama",
		URL:      "http://localhost:11434/v1",
		Model:    "qwen2.5:14b",
	})
	r.SetCapability(CapabilityQuery, &CapabilityConfig{Preferred: []string{"local"}})

	assert.Equal(t, "local", r.Resolve(CapabilityQuery))
	ep := r.GetEndpoint("local")
	require.NotNil(t, ep)
	assert.Equal(t, "ollama", ep.Provider)

	assert.Nil(t, r.GetEndpoint("missing"))
}

func TestParseCapability(t *testing.T) {
	assert.Equal(t, CapabilityQuery, ParseCapability("query"))
	assert.Equal(t, Capability(""), ParseCapability("nonsense"))
}

func TestListCapabilitiesAndEndpoints(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Len(t, r.ListCapabilities(), 4)
	assert.Contains(t, r.ListEndpoints(), "qwen")
}
