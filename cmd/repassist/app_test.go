package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/repassist/config"
	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/search"
	"github.com/meridianlabs/repassist/workflow"
)

func startTestApp(t *testing.T) *App {
	t.Helper()

	cfg := config.DefaultConfig()
	app := NewApp(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, app.Start(ctx, ""))
	t.Cleanup(func() { app.Shutdown(5 * time.Second) })
	return app
}

func request[T any](t *testing.T, app *App, subject string, payload any) T {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	msg, err := app.natsConn.Request(subject, data, 5*time.Second)
	require.NoError(t, err)

	var out T
	require.NoError(t, json.Unmarshal(msg.Data, &out))
	return out
}

func TestAppStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	app := NewApp(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx, ""))

	assert.NotNil(t, app.natsConn)
	assert.NotNil(t, app.convs)
	assert.NotNil(t, app.runs)
	assert.NotNil(t, app.engine)
	assert.NotNil(t, app.embeddedServer)

	app.Shutdown(5 * time.Second)
	assert.False(t, app.embeddedServer.Running())
}

func TestRequestSurfaceConversationLifecycle(t *testing.T) {
	app := startTestApp(t)

	created := request[conversation.Conversation](t, app, subjectConversationCreate, conversation.Conversation{
		ID:               "conv-api-1",
		RepresentativeID: "rep-1",
		Channel:          conversation.ChannelChat,
	})
	assert.Equal(t, "conv-api-1", created.ID)
	assert.Equal(t, conversation.StatusActive, created.Status)

	saved := request[conversation.Message](t, app, subjectConversationAppend, appendMessageRequest{
		ConversationID: "conv-api-1",
		Role:           conversation.RoleCustomer,
		Content:        "How do I reset my password?",
	})
	assert.Equal(t, 1, saved.Seq)

	resolutions := request[[]json.RawMessage](t, app, subjectResolutionList, resolutionListRequest{
		ConversationID: "conv-api-1",
	})
	assert.Empty(t, resolutions)
}

func TestRequestSurfaceAssistNotTriggered(t *testing.T) {
	app := startTestApp(t)

	request[conversation.Conversation](t, app, subjectConversationCreate, conversation.Conversation{
		ID:               "conv-api-2",
		RepresentativeID: "rep-1",
		Channel:          conversation.ChannelChat,
	})
	request[conversation.Message](t, app, subjectConversationAppend, appendMessageRequest{
		ConversationID: "conv-api-2",
		Role:           conversation.RoleCustomer,
		Content:        "What are your hours?",
	})

	// Customer-only transcript: detection runs and misses.
	result := request[workflow.StartResult](t, app, subjectAssistStart, assistStartRequest{
		ConversationID:   "conv-api-2",
		RepresentativeID: "rep-1",
	})
	assert.Equal(t, workflow.StatusNotTriggered, result.Status)
	assert.NotEmpty(t, result.RunID)
}

func TestRequestSurfaceErrors(t *testing.T) {
	app := startTestApp(t)

	reply := request[errorReply](t, app, subjectAssistStart, assistStartRequest{
		ConversationID:   "missing",
		RepresentativeID: "rep-1",
	})
	assert.Equal(t, string(workflow.KindConversationNotFound), reply.ErrorKind)

	cancelReply := request[assistCancelReply](t, app, subjectAssistCancel, assistCancelRequest{
		ConversationID: "missing",
	})
	assert.False(t, cancelReply.Cancelled)
}

func TestProvidersRegisteredInBinary(t *testing.T) {
	// The binary depends on the providers package for its init registration;
	// without it every completion fails with "unknown provider".
	for _, name := range []string{"ollama", "openai", "anthropic"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
}

// stubModelServer serves an OpenAI-compatible completions endpoint that
// answers the three workflow calls in order: formulation, generation,
// evaluation.
func stubModelServer(t *testing.T) *httptest.Server {
	t.Helper()

	responses := []string{
		`{"optimized_query": "401k password reset steps", "keywords": ["401k", "password"], "intent": "reset a password"}`,
		"To reset your 401k password, open the login page and choose Forgot Password. " +
			"Follow the emailed link within one hour to set a new password " +
			"[Source: https://example.com/401k-password].",
		`{"scores": {"accuracy": 4, "relevancy": 4, "factual_grounding": 4, "citation_quality": 4, "clarity": 4}, "feedback": ""}`,
	}

	var calls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		reply := map[string]any{
			"model": "qwen2.5:14b",
			"choices": []map[string]any{
				{
					"message":       map[string]any{"role": "assistant", "content": responses[n]},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
}

func TestAssistCompletionPath(t *testing.T) {
	modelSrv := stubModelServer(t)
	defer modelSrv.Close()

	// Empty native search page keeps the web adapter off the network.
	siteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body></body></html>")
	}))
	defer siteSrv.Close()

	cfg := config.DefaultConfig()
	cfg.Model.Endpoint = modelSrv.URL
	cfg.Search.Web.BaseURL = siteSrv.URL
	cfg.Search.Index.Enabled = true

	app := NewApp(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx, ""))
	defer app.Shutdown(5 * time.Second)

	app.index.Add(search.IndexDocument{
		Title:   "Resetting your 401k password",
		URL:     "https://example.com/401k-password",
		Content: "Open the login page, choose Forgot Password, and follow the emailed link.",
	})

	request[conversation.Conversation](t, app, subjectConversationCreate, conversation.Conversation{
		ID:               "conv-api-4",
		RepresentativeID: "rep-1",
		Channel:          conversation.ChannelChat,
	})
	request[conversation.Message](t, app, subjectConversationAppend, appendMessageRequest{
		ConversationID: "conv-api-4",
		Role:           conversation.RoleCustomer,
		Content:        "How do I reset my 401k password?",
	})
	request[conversation.Message](t, app, subjectConversationAppend, appendMessageRequest{
		ConversationID: "conv-api-4",
		Role:           conversation.RoleRepresentative,
		Content:        "Let me check that for you.",
	})

	result := request[workflow.StartResult](t, app, subjectAssistStart, assistStartRequest{
		ConversationID:   "conv-api-4",
		RepresentativeID: "rep-1",
	})
	require.Equal(t, workflow.StatusStarted, result.Status)

	var resolutions []conversation.Resolution
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resolutions = request[[]conversation.Resolution](t, app, subjectResolutionList, resolutionListRequest{
			ConversationID: "conv-api-4",
		})
		if len(resolutions) > 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	require.Len(t, resolutions, 1)
	res := resolutions[0]
	assert.Contains(t, res.Text, "[Source: https://example.com/401k-password]")
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "https://example.com/401k-password", res.Citations[0].URL)
	assert.True(t, res.PendingReview)
	assert.Equal(t, result.RunID, res.RunID)
}

func TestReloadConfigSwapsTriggerPhrases(t *testing.T) {
	app := startTestApp(t)

	next := config.DefaultConfig()
	next.Trigger.Phrases = []string{"custom trigger phrase"}
	app.ReloadConfig(next)

	verdict := app.detector.Detect([]conversation.Message{
		{Role: conversation.RoleRepresentative, Content: "Custom trigger phrase incoming."},
	})
	assert.True(t, verdict.Triggered)
}
