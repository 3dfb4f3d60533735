package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/llm/testutil"
	"github.com/meridianlabs/repassist/model"
)

var formulationMessages = []conversation.Message{
	{Role: conversation.RoleCustomer, Content: "How do I reset my 401k password?"},
	{Role: conversation.RoleRepresentative, Content: "Let me check that for you."},
}

func TestFormulate(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: `{"optimized_query": "401k password reset steps", "keywords": ["401k", "password"], "entities": ["401k"], "intent": "reset password", "context": "customer locked out"}`},
		},
	}

	f := NewFormulator(mock)
	query, meta, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.NoError(t, err)

	assert.Equal(t, "401k password reset steps", query)
	assert.Equal(t, []string{"401k", "password"}, meta.Keywords)
	assert.Equal(t, "reset password", meta.Intent)
	assert.Equal(t, "customer locked out", meta.Context)

	req := mock.LastRequest()
	assert.Equal(t, string(model.CapabilityQuery), req.Capability)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.3, *req.Temperature)
	assert.Contains(t, req.Messages[1].Content, "How do I reset my 401k password?")
}

func TestFormulateCarriesPriorFeedback(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: `{"optimized_query": "401k password reset email link expired"}`},
		},
	}

	f := NewFormulator(mock)
	_, _, err := f.Formulate(context.Background(), formulationMessages, []AttemptFeedback{
		{Index: 1, Query: "401k password", Feedback: "answer lacked concrete steps"},
	})
	require.NoError(t, err)

	prompt := mock.LastRequest().Messages[1].Content
	assert.Contains(t, prompt, "401k password")
	assert.Contains(t, prompt, "answer lacked concrete steps")
}

func TestFormulateHandlesMarkdownFence(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: "```json\n{\"optimized_query\": \"fenced query\"}\n```"},
		},
	}

	f := NewFormulator(mock)
	query, _, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.NoError(t, err)
	assert.Equal(t, "fenced query", query)
}

func TestFormulateCapsQueryLength(t *testing.T) {
	long := strings.Repeat("retirement ", 60)
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: `{"optimized_query": "` + long + `"}`},
		},
	}

	f := NewFormulator(mock)
	query, _, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(query), maxQueryLength)
}

func TestFormulateCapsQueryLengthRuneSafe(t *testing.T) {
	// The odd-length prefix puts the byte cap mid-rune; the cut must back
	// off to the previous rune boundary instead of splitting the sequence.
	long := "x" + strings.Repeat("é", 200)
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{
			{Content: `{"optimized_query": "` + long + `"}`},
		},
	}

	f := NewFormulator(mock)
	query, _, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(query), maxQueryLength)
	assert.True(t, utf8.ValidString(query))
}

func TestFormulateModelError(t *testing.T) {
	mock := &testutil.MockCompleter{Err: errors.New("all endpoints down")}

	f := NewFormulator(mock)
	_, _, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.Error(t, err)
	assert.Equal(t, KindModelUnavailable, KindOf(err))
}

func TestFormulateGarbageResponse(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{{Content: "sorry, I can't help with that"}},
	}

	f := NewFormulator(mock)
	_, _, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.Error(t, err)
	assert.Equal(t, KindModelUnavailable, KindOf(err))
}

func TestFormulateEmptyQuery(t *testing.T) {
	mock := &testutil.MockCompleter{
		Responses: []*llm.Response{{Content: `{"optimized_query": ""}`}},
	}

	f := NewFormulator(mock)
	_, _, err := f.Formulate(context.Background(), formulationMessages, nil)
	require.Error(t, err)
	assert.Equal(t, KindModelUnavailable, KindOf(err))
}
