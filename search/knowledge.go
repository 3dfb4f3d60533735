package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// KnowledgeConfig configures the internal knowledge source adapter.
type KnowledgeConfig struct {
	// Tag is the source tag reported in results.
	Tag string

	// APIURL is the internal search API root.
	APIURL string

	// APIKey is the bearer credential.
	APIKey string
}

// KnowledgeAdapter searches the internal knowledge base over its credentialed
// search API. Missing or rejected credentials surface as ErrUnauthorized so
// the fan-out records the source as unauthorized instead of failing the run.
type KnowledgeAdapter struct {
	config KnowledgeConfig
	client *http.Client
	logger *slog.Logger
}

// NewKnowledgeAdapter creates an internal knowledge source adapter.
func NewKnowledgeAdapter(config KnowledgeConfig, logger *slog.Logger) (*KnowledgeAdapter, error) {
	if config.Tag == "" {
		config.Tag = "mygps"
	}
	if config.APIURL == "" {
		return nil, fmt.Errorf("knowledge adapter requires an API URL")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &KnowledgeAdapter{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Name implements Adapter.
func (a *KnowledgeAdapter) Name() string {
	return a.config.Tag
}

type knowledgeRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type knowledgeResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Snippet string  `json:"snippet"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements Adapter.
func (a *KnowledgeAdapter) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if a.config.APIKey == "" {
		return nil, ErrUnauthorized
	}

	body, err := json.Marshal(knowledgeRequest{Query: query, Limit: k})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.APIURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("knowledge search: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var parsed knowledgeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for rank, r := range parsed.Results {
		if rank >= k {
			break
		}
		score := r.Score
		if score <= 0 || score > 1 {
			score = rankScore(rank)
		}
		results = append(results, Result{
			Source:  a.config.Tag,
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Score:   score,
			Rank:    rank,
		})
	}
	return results, nil
}
