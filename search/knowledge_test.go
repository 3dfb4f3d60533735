package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnowledgeAdapterSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req knowledgeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "401k password reset", req.Query)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Reset SOP", "url": "https://kb.internal/sop", "snippet": "steps", "score": 0.92},
				{"title": "Escalation", "url": "https://kb.internal/esc", "snippet": "when to escalate"},
			},
		})
	}))
	defer server.Close()

	a, err := NewKnowledgeAdapter(KnowledgeConfig{APIURL: server.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mygps", a.Name())

	results, err := a.Search(context.Background(), "401k password reset", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 0.92, results[0].Score)
	assert.Equal(t, "mygps", results[0].Source)
	// Missing score falls back to positional scoring.
	assert.Equal(t, rankScore(1), results[1].Score)
}

func TestKnowledgeAdapterMissingCredentials(t *testing.T) {
	a, err := NewKnowledgeAdapter(KnowledgeConfig{APIURL: "https://kb.internal"}, nil)
	require.NoError(t, err)

	_, err = a.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, ErrKindUnauthorized, ErrorKind(err))
}

func TestKnowledgeAdapterRejectedCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	a, err := NewKnowledgeAdapter(KnowledgeConfig{APIURL: server.URL, APIKey: "expired"}, nil)
	require.NoError(t, err)

	_, err = a.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestKnowledgeAdapterServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	a, err := NewKnowledgeAdapter(KnowledgeConfig{APIURL: server.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	_, err = a.Search(context.Background(), "anything", 5)
	require.Error(t, err)
	assert.Equal(t, ErrKindUnavailable, ErrorKind(err))
}

func TestKnowledgeAdapterRequiresURL(t *testing.T) {
	_, err := NewKnowledgeAdapter(KnowledgeConfig{}, nil)
	require.Error(t, err)
}

func TestKnowledgeAdapterAppliesLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "a", "url": "https://kb.internal/a", "score": 0.9},
				{"title": "b", "url": "https://kb.internal/b", "score": 0.8},
				{"title": "c", "url": "https://kb.internal/c", "score": 0.7},
			},
		})
	}))
	defer server.Close()

	a, err := NewKnowledgeAdapter(KnowledgeConfig{APIURL: server.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	results, err := a.Search(context.Background(), "anything", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
