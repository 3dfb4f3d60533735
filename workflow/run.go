// Package workflow implements the rep assistance pipeline: trigger detection,
// query formulation, source fan-out, resolution generation, evaluation, and
// the bounded-retry engine that orchestrates them per conversation.
package workflow

import (
	"time"

	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/search"
)

// WorkflowRun is the per-invocation record of the pipeline.
type WorkflowRun struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// ConversationID is the owning conversation.
	ConversationID string `json:"conversation_id"`

	// RepresentativeID is the rep who owns the conversation.
	RepresentativeID string `json:"representative_id"`

	// State is the current (or terminal) state.
	State State `json:"state"`

	// AttemptCount is the number of sealed attempts.
	AttemptCount int `json:"attempt_count"`

	// FinalVerdict is the last evaluation verdict, when one was recorded.
	FinalVerdict *EvaluationVerdict `json:"final_verdict,omitempty"`

	// ErrorKind tags why the run failed or aborted, when it did.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the run reached a terminal state.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RunAttempt is one formulate-search-generate-evaluate pass within a run.
// Sealed (immutable) once the verdict is recorded.
type RunAttempt struct {
	// RunID is the owning run.
	RunID string `json:"run_id"`

	// Index is the 1-based attempt index.
	Index int `json:"index"`

	// Query is the optimized search query produced by the formulator.
	Query string `json:"query"`

	// QueryMetadata carries keywords, entities, intent, and context.
	QueryMetadata QueryMetadata `json:"query_metadata"`

	// Sources is the merged, deduplicated source result list.
	Sources []search.Result `json:"sources,omitempty"`

	// SourceErrors maps source tags to error kinds for sources that
	// contributed nothing.
	SourceErrors map[string]string `json:"source_errors,omitempty"`

	// ResolutionText is the generated answer with inline citations.
	ResolutionText string `json:"resolution_text,omitempty"`

	// Citations lists the validated citations in order of appearance.
	Citations []conversation.Citation `json:"citations,omitempty"`

	// Verdict is the evaluation outcome, recorded at sealing.
	Verdict *EvaluationVerdict `json:"verdict,omitempty"`

	// ErrorKind tags a generator- or stage-level attempt failure.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`
}

// QueryMetadata is the structured companion to an optimized query.
// All keys are optional to consumers; missing means empty.
type QueryMetadata struct {
	Keywords []string `json:"keywords,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Intent   string   `json:"intent,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// Evaluation criteria scored by the evaluator, each in [1, 5].
const (
	CriterionAccuracy         = "accuracy"
	CriterionRelevancy        = "relevancy"
	CriterionFactualGrounding = "factual_grounding"
	CriterionCitationQuality  = "citation_quality"
	CriterionClarity          = "clarity"
)

// EvaluationCriteria lists all scored criteria.
var EvaluationCriteria = []string{
	CriterionAccuracy,
	CriterionRelevancy,
	CriterionFactualGrounding,
	CriterionCitationQuality,
	CriterionClarity,
}

// EvaluationVerdict is the evaluator's judgment of a resolution.
type EvaluationVerdict struct {
	// Scores maps each criterion to an integer in [1, 5].
	Scores map[string]int `json:"scores"`

	// GuardrailsPassed is the outcome of the bounded predicate checks.
	GuardrailsPassed bool `json:"guardrails_passed"`

	// Feedback summarizes deficiencies; empty when all criteria pass.
	Feedback string `json:"feedback,omitempty"`

	// Passed is guardrails_passed && min(scores) >= threshold.
	Passed bool `json:"passed"`
}

// MinScore returns the lowest criterion score, or 0 for an empty map.
func (v *EvaluationVerdict) MinScore() int {
	min := 0
	for _, score := range v.Scores {
		if min == 0 || score < min {
			min = score
		}
	}
	return min
}

// AttemptFeedback is a prior attempt's (query, feedback) pair carried into
// the next formulation.
type AttemptFeedback struct {
	Index    int    `json:"index"`
	Query    string `json:"query"`
	Feedback string `json:"feedback"`
}
