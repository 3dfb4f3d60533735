// Package config provides configuration loading and management for repassist.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete repassist configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	NATS     NATSConfig     `yaml:"nats"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Search   SearchConfig   `yaml:"search"`
	Trigger  TriggerConfig  `yaml:"trigger"`
}

// ModelConfig configures logical model selection for the workflow stages.
type ModelConfig struct {
	// GeneratorTag is the capability tag used for resolution generation.
	GeneratorTag string `yaml:"generator_tag"`
	// EvaluatorTag is the capability tag used for evaluation. Separate from
	// the generator so the judge can run on a different model.
	EvaluatorTag string `yaml:"evaluator_tag"`
	// Endpoint is a default OpenAI-compatible endpoint for local models.
	Endpoint string `yaml:"endpoint"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS.
	Embedded bool `yaml:"embedded"`
}

// WorkflowConfig configures the run engine.
type WorkflowConfig struct {
	// MaxAttempts bounds formulate-search-generate-evaluate iterations per run.
	MaxAttempts int `yaml:"max_attempts"`
	// EvalMinScore is the minimum per-criterion score for a verdict to pass.
	EvalMinScore int `yaml:"eval_min_score"`
	// OverallDeadline bounds a whole run.
	OverallDeadline time.Duration `yaml:"overall_deadline"`
	// QueryDeadline bounds the query formulation stage.
	QueryDeadline time.Duration `yaml:"query_deadline"`
	// GenerateDeadline bounds the resolution generation stage.
	GenerateDeadline time.Duration `yaml:"generate_deadline"`
	// EvaluateDeadline bounds the evaluation stage.
	EvaluateDeadline time.Duration `yaml:"evaluate_deadline"`
	// EventBuffer is the per-conversation event channel depth.
	EventBuffer int `yaml:"event_buffer"`
}

// SearchConfig configures the source fan-out.
type SearchConfig struct {
	// TopK is the per-source result cap.
	TopK int `yaml:"top_k"`
	// Deadline bounds the whole fan-out; adapters still running are cancelled.
	Deadline time.Duration `yaml:"deadline"`
	// SnippetBytes truncates each result snippet to bound prompt size.
	SnippetBytes int `yaml:"snippet_bytes"`

	Web       WebSourceConfig       `yaml:"web"`
	Knowledge KnowledgeSourceConfig `yaml:"knowledge"`
	Index     IndexSourceConfig     `yaml:"index"`
}

// WebSourceConfig configures the public web source adapter.
type WebSourceConfig struct {
	// BaseURL is the public site root (e.g. "https://www.example.com").
	BaseURL string `yaml:"base_url"`
	// SiteSearchURL is the search frontend used for site-scoped queries.
	SiteSearchURL string `yaml:"site_search_url"`
	// IncludePatterns are doublestar patterns a result URL path must match.
	// Empty means allow all.
	IncludePatterns []string `yaml:"include_patterns"`
	// ExcludePatterns are doublestar patterns that reject a result URL path.
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// KnowledgeSourceConfig configures the internal knowledge source adapter.
type KnowledgeSourceConfig struct {
	// APIURL is the internal search API root. Empty disables the source.
	APIURL string `yaml:"api_url"`
	// APIKey is the bearer credential. Absent credentials surface as an
	// unauthorized source error, never as a workflow failure.
	APIKey string `yaml:"api_key"`
}

// IndexSourceConfig configures the optional semantic index adapter.
type IndexSourceConfig struct {
	// Enabled turns the index adapter on.
	Enabled bool `yaml:"enabled"`
}

// TriggerConfig configures trigger phrase detection.
type TriggerConfig struct {
	// Phrases are matched case-insensitively against the latest rep message.
	Phrases []string `yaml:"phrases"`
}

// DefaultTriggerPhrases are the stock activation phrases.
var DefaultTriggerPhrases = []string{
	"let me take a look",
	"let me check",
	"i'll look into",
	"i'll check that",
	"looking into",
	"checking that for you",
	"one moment please",
	"give me a moment",
	"let me find that",
	"searching for",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			GeneratorTag: "resolution",
			EvaluatorTag: "evaluation",
			Endpoint:     "http://localhost:11434/v1",
			Timeout:      3 * time.Minute,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Workflow: WorkflowConfig{
			MaxAttempts:      3,
			EvalMinScore:     3,
			OverallDeadline:  90 * time.Second,
			QueryDeadline:    15 * time.Second,
			GenerateDeadline: 30 * time.Second,
			EvaluateDeadline: 20 * time.Second,
			EventBuffer:      32,
		},
		Search: SearchConfig{
			TopK:         5,
			Deadline:     10 * time.Second,
			SnippetBytes: 2048,
			Web: WebSourceConfig{
				BaseURL: "https://www.fidelity.com",
			},
		},
		Trigger: TriggerConfig{
			Phrases: append([]string(nil), DefaultTriggerPhrases...),
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("workflow.max_attempts must be at least 1")
	}
	if c.Workflow.EvalMinScore < 1 || c.Workflow.EvalMinScore > 5 {
		return fmt.Errorf("workflow.eval_min_score must be between 1 and 5")
	}
	if c.Search.TopK < 1 {
		return fmt.Errorf("search.top_k must be at least 1")
	}
	if c.Search.SnippetBytes < 1 {
		return fmt.Errorf("search.snippet_bytes must be at least 1")
	}
	if len(c.Trigger.Phrases) == 0 {
		return fmt.Errorf("trigger.phrases must not be empty")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	if other.Model.GeneratorTag != "" {
		c.Model.GeneratorTag = other.Model.GeneratorTag
	}
	if other.Model.EvaluatorTag != "" {
		c.Model.EvaluatorTag = other.Model.EvaluatorTag
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Workflow
	if other.Workflow.MaxAttempts != 0 {
		c.Workflow.MaxAttempts = other.Workflow.MaxAttempts
	}
	if other.Workflow.EvalMinScore != 0 {
		c.Workflow.EvalMinScore = other.Workflow.EvalMinScore
	}
	if other.Workflow.OverallDeadline != 0 {
		c.Workflow.OverallDeadline = other.Workflow.OverallDeadline
	}
	if other.Workflow.QueryDeadline != 0 {
		c.Workflow.QueryDeadline = other.Workflow.QueryDeadline
	}
	if other.Workflow.GenerateDeadline != 0 {
		c.Workflow.GenerateDeadline = other.Workflow.GenerateDeadline
	}
	if other.Workflow.EvaluateDeadline != 0 {
		c.Workflow.EvaluateDeadline = other.Workflow.EvaluateDeadline
	}
	if other.Workflow.EventBuffer != 0 {
		c.Workflow.EventBuffer = other.Workflow.EventBuffer
	}

	// Search
	if other.Search.TopK != 0 {
		c.Search.TopK = other.Search.TopK
	}
	if other.Search.Deadline != 0 {
		c.Search.Deadline = other.Search.Deadline
	}
	if other.Search.SnippetBytes != 0 {
		c.Search.SnippetBytes = other.Search.SnippetBytes
	}
	if other.Search.Web.BaseURL != "" {
		c.Search.Web.BaseURL = other.Search.Web.BaseURL
	}
	if other.Search.Web.SiteSearchURL != "" {
		c.Search.Web.SiteSearchURL = other.Search.Web.SiteSearchURL
	}
	if len(other.Search.Web.IncludePatterns) > 0 {
		c.Search.Web.IncludePatterns = other.Search.Web.IncludePatterns
	}
	if len(other.Search.Web.ExcludePatterns) > 0 {
		c.Search.Web.ExcludePatterns = other.Search.Web.ExcludePatterns
	}
	if other.Search.Knowledge.APIURL != "" {
		c.Search.Knowledge.APIURL = other.Search.Knowledge.APIURL
	}
	if other.Search.Knowledge.APIKey != "" {
		c.Search.Knowledge.APIKey = other.Search.Knowledge.APIKey
	}
	if other.Search.Index.Enabled {
		c.Search.Index.Enabled = true
	}

	// Trigger
	if len(other.Trigger.Phrases) > 0 {
		c.Trigger.Phrases = other.Trigger.Phrases
	}
}
