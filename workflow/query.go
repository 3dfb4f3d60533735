package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/model"
	"github.com/meridianlabs/repassist/search"
)

const (
	// maxQueryLength caps the optimized query.
	maxQueryLength = 256

	// queryTemperature keeps formulation deterministic-leaning.
	queryTemperature = 0.3

	// transcriptTailMessages bounds how much history goes into the prompt.
	transcriptTailMessages = 20
)

const querySystemPrompt = `You turn customer support conversations into concise search queries.

Read the transcript and produce a single optimized search query that would
find documentation answering the customer's need. Respond with JSON only:

{
  "optimized_query": "the search query, at most 256 characters",
  "keywords": ["key", "terms"],
  "entities": ["products", "account types"],
  "intent": "what the customer is trying to do",
  "context": "one sentence of situational context"
}`

// Formulator produces optimized search queries from conversation
// transcripts, incorporating evaluator feedback from prior attempts.
type Formulator struct {
	completer llm.Completer
}

// NewFormulator creates a query formulator.
func NewFormulator(completer llm.Completer) *Formulator {
	return &Formulator{completer: completer}
}

// formulationResponse is the model's expected JSON shape.
type formulationResponse struct {
	OptimizedQuery string   `json:"optimized_query"`
	Keywords       []string `json:"keywords"`
	Entities       []string `json:"entities"`
	Intent         string   `json:"intent"`
	Context        string   `json:"context"`
}

// Formulate produces an optimized query from the transcript. On retries the
// prior (query, feedback) pairs steer the next query to narrow, broaden, or
// re-aim.
func (f *Formulator) Formulate(ctx context.Context, messages []conversation.Message, prior []AttemptFeedback) (string, QueryMetadata, error) {
	temp := queryTemperature
	resp, err := f.completer.Complete(ctx, llm.Request{
		Capability:  string(model.CapabilityQuery),
		Temperature: &temp,
		Messages: []llm.Message{
			{Role: "system", Content: querySystemPrompt},
			{Role: "user", Content: buildQueryPrompt(messages, prior)},
		},
	})
	if err != nil {
		return "", QueryMetadata{}, NewError(KindModelUnavailable, err)
	}

	extracted := llm.ExtractJSON(resp.Content)
	if extracted == "" {
		return "", QueryMetadata{}, Errorf(KindModelUnavailable, "no JSON in formulation response")
	}

	var parsed formulationResponse
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return "", QueryMetadata{}, Errorf(KindModelUnavailable, "decode formulation response: %v", err)
	}

	query := strings.TrimSpace(parsed.OptimizedQuery)
	if query == "" {
		return "", QueryMetadata{}, Errorf(KindModelUnavailable, "empty optimized query")
	}
	if len(query) > maxQueryLength {
		// Rune-safe: never cut a multi-byte sequence in half.
		query = strings.TrimSpace(search.TruncateSnippet(query, maxQueryLength))
	}

	meta := QueryMetadata{
		Keywords: parsed.Keywords,
		Entities: parsed.Entities,
		Intent:   parsed.Intent,
		Context:  parsed.Context,
	}
	return query, meta, nil
}

// buildQueryPrompt renders the transcript tail plus prior-attempt feedback.
func buildQueryPrompt(messages []conversation.Message, prior []AttemptFeedback) string {
	var sb strings.Builder

	sb.WriteString("Conversation transcript:\n\n")
	start := 0
	if len(messages) > transcriptTailMessages {
		start = len(messages) - transcriptTailMessages
	}
	for _, msg := range messages[start:] {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
	}

	if len(prior) > 0 {
		sb.WriteString("\nPrior attempts did not produce an acceptable answer. ")
		sb.WriteString("Adjust the query based on this feedback:\n\n")
		for _, p := range prior {
			fmt.Fprintf(&sb, "Attempt %d query: %q\nFeedback: %s\n\n", p.Index, p.Query, p.Feedback)
		}
	}

	sb.WriteString("\nProduce the JSON response now.")
	return sb.String()
}
