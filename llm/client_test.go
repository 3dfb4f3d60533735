package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/repassist/llm"
	_ "github.com/meridianlabs/repassist/llm/providers" // Register providers
	"github.com/meridianlabs/repassist/model"
)

// fastRetry keeps retry loops quick in tests.
var fastRetry = llm.RetryConfig{
	MaxAttempts:       3,
	BackoffBase:       time.Millisecond,
	BackoffMultiplier: 1.0,
	MaxBackoff:        5 * time.Millisecond,
}

func openAICompletion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func singleEndpointRegistry(url string) *model.Registry {
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {
				Description: "Test capability",
				Preferred:   []string{"test-model"},
			},
		},
		map[string]*model.EndpointConfig{
			"test-model": {
				Provider: "ollama",
				URL:      url,
				Model:    "test-model",
			},
		},
	)
}

func TestClientCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAICompletion("Hello! How can I help you?"))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClientCompleteRetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service temporarily unavailable"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAICompletion("Success after retries"))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithRetryConfig(fastRetry))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClientCompleteNoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid api key"))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithRetryConfig(fastRetry))

	_, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	// Auth errors stop immediately: no retries, no fallbacks.
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClientCompleteFallback(t *testing.T) {
	var primaryHits, fallbackHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAICompletion("from fallback"))
	}))
	defer fallback.Close()

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {
				Preferred: []string{"primary"},
				Fallback:  []string{"backup"},
			},
		},
		map[string]*model.EndpointConfig{
			"primary": {Provider: "ollama", URL: primary.URL, Model: "primary"},
			"backup":  {Provider: "ollama", URL: fallback.URL, Model: "backup"},
		},
	)

	retry := fastRetry
	retry.MaxAttempts = 1
	client := llm.NewClient(registry, llm.WithRetryConfig(retry))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Equal(t, int32(1), primaryHits.Load())
	assert.Equal(t, int32(1), fallbackHits.Load())
}

func TestClientCompleteSkipsOpenCircuit(t *testing.T) {
	var primaryHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAICompletion("from fallback"))
	}))
	defer fallback.Close()

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {
				Preferred: []string{"primary"},
				Fallback:  []string{"backup"},
			},
		},
		map[string]*model.EndpointConfig{
			"primary": {Provider: "ollama", URL: primary.URL, Model: "primary"},
			"backup":  {Provider: "ollama", URL: fallback.URL, Model: "backup"},
		},
	)

	// Trip the primary's circuit before the call.
	for range 3 {
		registry.MarkEndpointFailure("primary")
	}
	require.False(t, registry.IsEndpointAvailable("primary"))

	retry := fastRetry
	retry.MaxAttempts = 1
	client := llm.NewClient(registry, llm.WithRetryConfig(retry))

	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Zero(t, primaryHits.Load())
}

func TestClientCompleteContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithRetryConfig(fastRetry))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
}

func TestClientCompleteValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})
	assert.ErrorContains(t, err, "capability is required")

	_, err = client.Complete(context.Background(), llm.Request{
		Capability: "fast",
	})
	assert.ErrorContains(t, err, "at least one message")
}
