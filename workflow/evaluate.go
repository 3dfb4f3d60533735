package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/model"
	"github.com/meridianlabs/repassist/search"
)

const (
	// evaluationTemperature keeps judging near-deterministic.
	evaluationTemperature = 0.2

	// minResolutionChars is the guardrail minimum answer length.
	minResolutionChars = 100
)

// uncertainPhrases fail the content guardrail: a rep-facing answer must not
// hedge about facts it cites.
var uncertainPhrases = []string{
	"i think",
	"i believe",
	"probably",
	"not sure",
	"might be",
	"i'm unsure",
	"it seems",
}

const evaluationSystemPrompt = `You judge customer support answers for quality. You never rewrite them.

Score the answer on each criterion from 1 (poor) to 5 (excellent):
- accuracy: claims match the provided sources
- relevancy: the answer addresses the query
- factual_grounding: every claim traces to a source
- citation_quality: citations are present, correct, and well placed
- clarity: the answer is clear and professionally written

Respond with JSON only:

{
  "scores": {"accuracy": 4, "relevancy": 4, "factual_grounding": 4, "citation_quality": 4, "clarity": 4},
  "feedback": "specific deficiencies to fix, or empty string if none"
}`

// Evaluator judges resolutions against the query and sources. Its model
// invocation is configured independently of the generator to reduce
// correlated bias.
type Evaluator struct {
	completer llm.Completer

	// capability is the tag the registry routes judging requests by.
	capability string

	// minScore is the per-criterion pass threshold.
	minScore int
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorCapability routes judging through a different capability tag,
// e.g. from the model.evaluator_tag config option. Empty keeps the default.
func WithEvaluatorCapability(tag string) EvaluatorOption {
	return func(e *Evaluator) {
		if tag != "" {
			e.capability = tag
		}
	}
}

// NewEvaluator creates an evaluator with the given pass threshold.
func NewEvaluator(completer llm.Completer, minScore int, opts ...EvaluatorOption) *Evaluator {
	if minScore < 1 || minScore > 5 {
		minScore = 3
	}
	e := &Evaluator{
		completer:  completer,
		capability: string(model.CapabilityEvaluation),
		minScore:   minScore,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evaluationResponse is the model's expected JSON shape.
type evaluationResponse struct {
	Scores   map[string]int `json:"scores"`
	Feedback string         `json:"feedback"`
}

// Evaluate scores a resolution. A model error yields a non-passing verdict
// with feedback "evaluator_unavailable"; the engine treats that as a
// retryable attempt failure, never a run failure.
func (e *Evaluator) Evaluate(ctx context.Context, query string, resolution *GeneratedResolution, sources []search.Result) *EvaluationVerdict {
	guardrails, guardrailFeedback := checkGuardrails(resolution)

	temp := evaluationTemperature
	resp, err := e.completer.Complete(ctx, llm.Request{
		Capability:  e.capability,
		Temperature: &temp,
		Messages: []llm.Message{
			{Role: "system", Content: evaluationSystemPrompt},
			{Role: "user", Content: buildEvaluationPrompt(query, resolution, sources)},
		},
	})
	if err != nil {
		return &EvaluationVerdict{
			GuardrailsPassed: guardrails,
			Feedback:         string(KindEvaluatorUnavailable),
			Passed:           false,
		}
	}

	verdict, perr := parseEvaluation(resp.Content)
	if perr != nil {
		return &EvaluationVerdict{
			GuardrailsPassed: guardrails,
			Feedback:         string(KindEvaluatorUnavailable),
			Passed:           false,
		}
	}

	verdict.GuardrailsPassed = guardrails
	if !guardrails && guardrailFeedback != "" {
		if verdict.Feedback != "" {
			verdict.Feedback += "; "
		}
		verdict.Feedback += guardrailFeedback
	}

	verdict.Passed = verdict.GuardrailsPassed && verdict.MinScore() >= e.minScore
	return verdict
}

// parseEvaluation decodes and normalizes the model's score JSON.
// Missing criteria default to the floor so a partial response cannot pass.
func parseEvaluation(content string) (*EvaluationVerdict, error) {
	extracted := llm.ExtractJSON(content)
	if extracted == "" {
		return nil, fmt.Errorf("no JSON object in evaluation response")
	}

	var parsed evaluationResponse
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return nil, fmt.Errorf("decode evaluation JSON: %w", err)
	}

	scores := make(map[string]int, len(EvaluationCriteria))
	for _, criterion := range EvaluationCriteria {
		score, ok := parsed.Scores[criterion]
		if !ok {
			score = 1
		}
		if score < 1 {
			score = 1
		}
		if score > 5 {
			score = 5
		}
		scores[criterion] = score
	}

	return &EvaluationVerdict{
		Scores:   scores,
		Feedback: strings.TrimSpace(parsed.Feedback),
	}, nil
}

// checkGuardrails runs the bounded predicate checks: minimum length, at
// least one citation marker, no uncertain language.
func checkGuardrails(resolution *GeneratedResolution) (bool, string) {
	var failures []string

	if len(resolution.Text) < minResolutionChars {
		failures = append(failures, "answer is too short")
	}
	if !strings.Contains(resolution.Text, "[Source:") {
		failures = append(failures, "answer has no inline citations")
	}

	lower := strings.ToLower(resolution.Text)
	for _, phrase := range uncertainPhrases {
		if strings.Contains(lower, phrase) {
			failures = append(failures, fmt.Sprintf("uncertain language: %q", phrase))
			break
		}
	}

	if len(failures) == 0 {
		return true, ""
	}
	return false, "guardrails: " + strings.Join(failures, ", ")
}

// buildEvaluationPrompt renders the query, answer, and source URLs.
func buildEvaluationPrompt(query string, resolution *GeneratedResolution, sources []search.Result) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Query: %s\n\nAnswer under review:\n%s\n\nSources the answer had available:\n", query, resolution.Text)
	for _, s := range sources {
		fmt.Fprintf(&sb, "- %s (%s)\n", s.Title, s.URL)
	}
	sb.WriteString("\nScore the answer now.")
	return sb.String()
}
