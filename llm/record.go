package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// callRecordSubject is the NATS subject model call records are published to.
const callRecordSubject = "repassist.llm.calls"

// CallRecord represents a single LLM API call with context for auditing.
type CallRecord struct {
	// RequestID uniquely identifies this LLM call.
	RequestID string `json:"request_id"`

	// Capability is the semantic capability requested (query, resolution, evaluation).
	Capability string `json:"capability"`

	// Model is the actual model that was used for this call.
	Model string `json:"model"`

	// Provider is the LLM provider (anthropic, ollama, openai, etc.).
	Provider string `json:"provider"`

	// Response is the generated content from the LLM.
	Response string `json:"response,omitempty"`

	// Usage contains token consumption for the call.
	Usage TokenUsage `json:"usage"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason,omitempty"`

	// StartedAt is when the LLM call began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the LLM call finished.
	CompletedAt time.Time `json:"completed_at"`

	// DurationMs is the call duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Error contains any error message if the call failed.
	Error string `json:"error,omitempty"`

	// Retries is the number of retry attempts made.
	Retries int `json:"retries"`

	// FallbacksUsed lists models tried before success (if fallback was needed).
	FallbacksUsed []string `json:"fallbacks_used,omitempty"`
}

// CallRecorder publishes LLM call records to NATS for offline auditing.
// Publishing is best-effort; a recorder failure never fails the call itself.
type CallRecorder struct {
	nc      *nats.Conn
	logger  *slog.Logger
	subject string
}

// CallRecorderOption configures a CallRecorder.
type CallRecorderOption func(*CallRecorder)

// WithRecordSubject overrides the publish subject.
func WithRecordSubject(subject string) CallRecorderOption {
	return func(r *CallRecorder) {
		r.subject = subject
	}
}

// NewCallRecorder creates a recorder publishing to the given NATS connection.
func NewCallRecorder(nc *nats.Conn, logger *slog.Logger, opts ...CallRecorderOption) (*CallRecorder, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &CallRecorder{
		nc:      nc,
		logger:  logger,
		subject: callRecordSubject,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record publishes a call record. The record's response is truncated to keep
// messages small; full transcripts stay with the workflow attempt records.
func (r *CallRecorder) Record(_ context.Context, record *CallRecord) error {
	const previewLimit = 500
	if len(record.Response) > previewLimit {
		clone := *record
		clone.Response = clone.Response[:previewLimit]
		record = &clone
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	if err := r.nc.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish call record: %w", err)
	}
	return nil
}
