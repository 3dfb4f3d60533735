package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/llm/testutil"
	"github.com/meridianlabs/repassist/model"
	"github.com/meridianlabs/repassist/search"
)

var testSources = []search.Result{
	{Source: "fidelity", Title: "Reset your password", URL: "https://example.com/reset", Snippet: "Use the Forgot Password link.", Score: 0.9},
	{Source: "mygps", Title: "Password SOP", URL: "https://kb.internal/sop", Snippet: "Verify identity first.", Score: 0.85},
}

func TestGenerate(t *testing.T) {
	answer := "To reset your 401k password, use the Forgot Password link on the login page [Source: https://example.com/reset]. " +
		"A representative must verify your identity before assisting further [Source: https://kb.internal/sop]."

	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}

	g := NewGenerator(mock)
	res, err := g.Generate(context.Background(), "401k password reset", testSources, nil)
	require.NoError(t, err)

	assert.Equal(t, answer, res.Text)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "Reset your password", res.Citations[0].Label)
	assert.Equal(t, "https://example.com/reset", res.Citations[0].URL)
	assert.False(t, res.GeneratedAt.IsZero())

	req := mock.LastRequest()
	assert.Equal(t, string(model.CapabilityResolution), req.Capability)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.5, *req.Temperature)
	assert.Contains(t, req.Messages[1].Content, "https://example.com/reset")
}

func TestGenerateNoSources(t *testing.T) {
	g := NewGenerator(&testutil.MockCompleter{})

	_, err := g.Generate(context.Background(), "anything", nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindNoSources, KindOf(err))

	// The model is never invoked without grounding.
	assert.Zero(t, (&testutil.MockCompleter{}).CallCount())
}

func TestGenerateFabricatedCitation(t *testing.T) {
	answer := "Follow these steps [Source: https://example.com/reset]. See also our guide [Source: https://made-up.example/guide]."
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}

	g := NewGenerator(mock)
	res, err := g.Generate(context.Background(), "401k password reset", testSources, nil)

	require.Error(t, err)
	assert.Equal(t, KindCitationInvalid, KindOf(err))

	// The offending citation is discarded; the valid one survives, and the
	// model is not invoked again for this attempt.
	require.NotNil(t, res)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "https://example.com/reset", res.Citations[0].URL)
	assert.Equal(t, 1, mock.CallCount())
}

func TestGenerateCitationMatchingIsCanonical(t *testing.T) {
	answer := "Use the reset link [Source: HTTPS://EXAMPLE.COM/reset#step-2]."
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}

	g := NewGenerator(mock)
	res, err := g.Generate(context.Background(), "reset", testSources, nil)
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	// The citation resolves to the source's canonical URL.
	assert.Equal(t, "https://example.com/reset", res.Citations[0].URL)
}

func TestGenerateDeduplicatesCitations(t *testing.T) {
	answer := "First step [Source: https://example.com/reset]. Second step [Source: https://example.com/reset]."
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}

	g := NewGenerator(mock)
	res, err := g.Generate(context.Background(), "reset", testSources, nil)
	require.NoError(t, err)
	assert.Len(t, res.Citations, 1)
}

func TestGenerateCapabilityOverride(t *testing.T) {
	answer := "Use the reset link [Source: https://example.com/reset]."
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}

	g := NewGenerator(mock, WithGeneratorCapability("fast"))
	_, err := g.Generate(context.Background(), "reset", testSources, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", mock.LastRequest().Capability)

	// An empty override keeps the default routing.
	mock2 := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}
	g2 := NewGenerator(mock2, WithGeneratorCapability(""))
	_, err = g2.Generate(context.Background(), "reset", testSources, nil)
	require.NoError(t, err)
	assert.Equal(t, string(model.CapabilityResolution), mock2.LastRequest().Capability)
}

func TestGenerateModelError(t *testing.T) {
	mock := &testutil.MockCompleter{Err: errors.New("overloaded")}

	g := NewGenerator(mock)
	_, err := g.Generate(context.Background(), "reset", testSources, nil)
	require.Error(t, err)
	assert.Equal(t, KindModelUnavailable, KindOf(err))
}

func TestGenerateIncludesPriorFeedback(t *testing.T) {
	answer := "Improved answer with steps [Source: https://example.com/reset]."
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: answer}}}

	g := NewGenerator(mock)
	_, err := g.Generate(context.Background(), "reset", testSources, []AttemptFeedback{
		{Index: 1, Query: "reset", Feedback: "missing concrete steps"},
	})
	require.NoError(t, err)
	assert.Contains(t, mock.LastRequest().Messages[1].Content, "missing concrete steps")
}
