package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/search"
)

// EngineConfig bounds the run engine.
type EngineConfig struct {
	// MaxAttempts bounds formulate-search-generate-evaluate passes per run.
	MaxAttempts int

	// OverallDeadline bounds a whole run.
	OverallDeadline time.Duration

	// QueryDeadline bounds the formulation stage.
	QueryDeadline time.Duration

	// GenerateDeadline bounds the generation stage.
	GenerateDeadline time.Duration

	// EvaluateDeadline bounds the evaluation stage.
	EvaluateDeadline time.Duration
}

// DefaultEngineConfig returns the stock engine bounds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:      3,
		OverallDeadline:  90 * time.Second,
		QueryDeadline:    15 * time.Second,
		GenerateDeadline: 30 * time.Second,
		EvaluateDeadline: 20 * time.Second,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.OverallDeadline <= 0 {
		c.OverallDeadline = d.OverallDeadline
	}
	if c.QueryDeadline <= 0 {
		c.QueryDeadline = d.QueryDeadline
	}
	if c.GenerateDeadline <= 0 {
		c.GenerateDeadline = d.GenerateDeadline
	}
	if c.EvaluateDeadline <= 0 {
		c.EvaluateDeadline = d.EvaluateDeadline
	}
	return c
}

// StartResult is the answer to a run request.
type StartResult struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Status is "started" or "not_triggered".
	Status string `json:"status"`
}

// Run request statuses.
const (
	StatusStarted      = "started"
	StatusNotTriggered = "not_triggered"
)

// Engine drives the run state machine: single-flight per conversation,
// bounded retries with feedback carry-over, write-through persistence, and
// progress event emission.
type Engine struct {
	detector   *Detector
	formulator *Formulator
	fanout     *search.FanOut
	generator  *Generator
	evaluator  *Evaluator

	runs  RunStore
	convs conversation.Store

	sink     Sink
	observer Observer
	config   EngineConfig
	logger   *slog.Logger

	// Single-flight guard: conversation id -> in-flight run id, plus the
	// cancel funcs for external cancellation.
	mu       sync.Mutex
	inflight map[string]string
	cancels  map[string]context.CancelFunc

	// wg tracks run goroutines for clean shutdown.
	wg sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithObserver attaches a run lifecycle observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires the pipeline stages into a run engine.
func NewEngine(
	detector *Detector,
	formulator *Formulator,
	fanout *search.FanOut,
	generator *Generator,
	evaluator *Evaluator,
	runs RunStore,
	convs conversation.Store,
	sink Sink,
	config EngineConfig,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		detector:   detector,
		formulator: formulator,
		fanout:     fanout,
		generator:  generator,
		evaluator:  evaluator,
		runs:       runs,
		convs:      convs,
		sink:       sink,
		observer:   NopObserver{},
		config:     config.withDefaults(),
		logger:     slog.Default(),
		inflight:   make(map[string]string),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recover marks runs abandoned by a crash as aborted. Call once at startup
// before accepting run requests.
func (e *Engine) Recover(ctx context.Context) error {
	swept, err := e.runs.MarkAbandonedRunsAborted(ctx)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if swept > 0 {
		e.logger.Info("Marked abandoned runs aborted", slog.Int("count", swept))
	}
	return nil
}

// StartRun handles a run request. Trigger detection happens synchronously;
// when it matches (or force is set) the pipeline continues in the background
// and progress streams through the event sink.
func (e *Engine) StartRun(ctx context.Context, conversationID, representativeID string, force bool) (*StartResult, error) {
	conv, err := e.convs.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, Errorf(KindConversationNotFound, "conversation %s", conversationID)
		}
		return nil, NewError(KindPersistenceError, err)
	}
	if conv.Status != conversation.StatusActive {
		return nil, Errorf(KindInvalidState, "conversation %s is %s", conversationID, conv.Status)
	}

	runID := uuid.New().String()

	// Acquire the single-flight entry before any state is created.
	e.mu.Lock()
	if existing, ok := e.inflight[conversationID]; ok {
		e.mu.Unlock()
		return nil, Errorf(KindRunInProgress, "run %s is in flight", existing)
	}
	e.inflight[conversationID] = runID
	e.mu.Unlock()

	run := &WorkflowRun{
		ID:               runID,
		ConversationID:   conversationID,
		RepresentativeID: representativeID,
		State:            StateDetecting,
		StartedAt:        time.Now(),
	}
	e.observer.RunStarted(conversationID, runID)

	verdict := TriggerVerdict{Triggered: force}
	if !force {
		verdict = e.detector.Detect(conv.Messages)
	}
	if !verdict.Triggered {
		// Terminal, non-error: no attempt is recorded.
		run.State = StateAborted
		run.ErrorKind = KindNotTriggered
		run.FinishedAt = time.Now()
		if err := e.runs.SaveRun(ctx, run); err != nil {
			e.release(conversationID)
			return nil, NewError(KindPersistenceError, err)
		}
		e.release(conversationID)
		e.observer.RunFinished(conversationID, runID, StateAborted, 0, time.Since(run.StartedAt))
		return &StartResult{RunID: runID, Status: StatusNotTriggered}, nil
	}

	if err := e.runs.SaveRun(ctx, run); err != nil {
		e.release(conversationID)
		return nil, NewError(KindPersistenceError, err)
	}

	// The run outlives the request; it gets its own context and deadline.
	runCtx, cancel := context.WithTimeout(context.Background(), e.config.OverallDeadline)
	e.mu.Lock()
	e.cancels[conversationID] = cancel
	e.mu.Unlock()

	e.emit(run, 0, EventWorkflowStarted, map[string]any{
		"matched_phrase": verdict.MatchedPhrase,
		"forced":         force,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(runCtx, run, conv)
	}()

	return &StartResult{RunID: runID, Status: StatusStarted}, nil
}

// Cancel requests cancellation of the conversation's in-flight run. The run
// aborts at the next state boundary; an in-flight model call is not
// interrupted mid-stream. Returns false when nothing is in flight.
func (e *Engine) Cancel(conversationID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[conversationID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// InFlight returns the in-flight run id for a conversation, if any.
func (e *Engine) InFlight(conversationID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	runID, ok := e.inflight[conversationID]
	return runID, ok
}

// Wait blocks until all background runs have finished. For shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// release frees the single-flight entry and cancel func.
func (e *Engine) release(conversationID string) {
	e.mu.Lock()
	delete(e.inflight, conversationID)
	if cancel, ok := e.cancels[conversationID]; ok {
		cancel()
		delete(e.cancels, conversationID)
	}
	e.mu.Unlock()
}

// execute runs the attempt loop to a terminal state. The single-flight entry
// is released on every exit path, including panics.
func (e *Engine) execute(ctx context.Context, run *WorkflowRun, conv *conversation.Conversation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Workflow run panicked",
				slog.String("run_id", run.ID),
				slog.Any("panic", r))
			e.finalize(run, StateFailed, "", nil, nil)
		}
		e.release(run.ConversationID)
	}()

	var prior []AttemptFeedback
	var lastVerdict *EvaluationVerdict
	var lastKind ErrorKind

	for attemptIdx := 1; attemptIdx <= e.config.MaxAttempts; attemptIdx++ {
		attempt := &RunAttempt{
			RunID:     run.ID,
			Index:     attemptIdx,
			StartedAt: time.Now(),
		}
		run.AttemptCount = attemptIdx

		verdict, kind, aborted := e.runAttempt(ctx, run, conv, attempt, prior)
		if aborted {
			e.finalize(run, StateAborted, KindCancelled, lastVerdict, attempt)
			return
		}

		lastVerdict = verdict
		lastKind = kind

		if verdict != nil && verdict.Passed {
			if e.promote(ctx, run, attempt) {
				e.finalize(run, StateSucceeded, "", verdict, attempt)
			} else {
				e.finalize(run, StateFailed, KindPersistenceError, verdict, attempt)
			}
			return
		}

		// A non-passing verdict or a retryable stage failure consumes an
		// attempt; anything else ends the run.
		if kind != "" && !retryable(kind) {
			e.finalize(run, StateFailed, kind, verdict, attempt)
			return
		}
		if attemptIdx >= e.config.MaxAttempts {
			if kind == "" {
				kind = lastKind
			}
			e.finalize(run, StateFailed, kind, verdict, attempt)
			return
		}

		// Feedback carry-over into the next formulation.
		feedback := ""
		if verdict != nil {
			feedback = verdict.Feedback
		}
		if feedback == "" && kind != "" {
			feedback = string(kind)
		}
		prior = append(prior, AttemptFeedback{
			Index:    attemptIdx,
			Query:    attempt.Query,
			Feedback: feedback,
		})
		e.transition(run, StateRetry)
	}
}

// runAttempt performs one formulate-search-generate-evaluate pass. It
// returns the verdict (nil when the attempt failed before evaluation), the
// failure kind (empty on a clean evaluation), and whether the run was
// cancelled.
func (e *Engine) runAttempt(ctx context.Context, run *WorkflowRun, conv *conversation.Conversation, attempt *RunAttempt, prior []AttemptFeedback) (*EvaluationVerdict, ErrorKind, bool) {
	// FORMULATING
	if cancelled(ctx) {
		return nil, "", true
	}
	e.transition(run, StateFormulating)

	queryCtx, cancel := context.WithTimeout(ctx, e.config.QueryDeadline)
	query, meta, err := e.formulator.Formulate(queryCtx, conv.Messages, prior)
	cancel()
	if err != nil {
		if cancelled(ctx) {
			return nil, "", true
		}
		kind := stageKind(err, queryCtx)
		attempt.ErrorKind = kind
		e.sealAttempt(ctx, attempt)
		return nil, kind, false
	}
	attempt.Query = query
	attempt.QueryMetadata = meta
	e.persistAttempt(ctx, attempt)
	e.emit(run, attempt.Index, EventQueryOptimized, map[string]any{
		"query":    query,
		"keywords": meta.Keywords,
		"intent":   meta.Intent,
	})

	// SEARCHING. The fan-out never fails as a whole; adapter errors land
	// in the per-source error map.
	if cancelled(ctx) {
		return nil, "", true
	}
	e.transition(run, StateSearching)

	results, sourceErrs := e.fanout.Search(ctx, query)
	if cancelled(ctx) {
		return nil, "", true
	}
	attempt.Sources = results
	attempt.SourceErrors = sourceErrs
	e.persistAttempt(ctx, attempt)
	e.emit(run, attempt.Index, EventSearchComplete, map[string]any{
		"result_count":  len(results),
		"source_errors": sourceErrs,
	})

	// GENERATING
	if cancelled(ctx) {
		return nil, "", true
	}
	e.transition(run, StateGenerating)

	genCtx, cancel := context.WithTimeout(ctx, e.config.GenerateDeadline)
	resolution, err := e.generator.Generate(genCtx, query, results, prior)
	cancel()
	if err != nil {
		if cancelled(ctx) {
			return nil, "", true
		}
		kind := stageKind(err, genCtx)
		attempt.ErrorKind = kind
		if resolution != nil {
			// citation_invalid keeps the text with the offending
			// citations discarded.
			attempt.ResolutionText = resolution.Text
			attempt.Citations = resolution.Citations
		}
		e.sealAttempt(ctx, attempt)
		return nil, kind, false
	}
	attempt.ResolutionText = resolution.Text
	attempt.Citations = resolution.Citations
	e.persistAttempt(ctx, attempt)
	e.emit(run, attempt.Index, EventResolutionGenerated, map[string]any{
		"length":    len(resolution.Text),
		"citations": len(resolution.Citations),
	})

	// EVALUATING. The evaluator absorbs model failures into a non-passing
	// verdict, so this stage never errors.
	if cancelled(ctx) {
		return nil, "", true
	}
	e.transition(run, StateEvaluating)

	evalCtx, cancel := context.WithTimeout(ctx, e.config.EvaluateDeadline)
	verdict := e.evaluator.Evaluate(evalCtx, query, resolution, results)
	cancel()
	if cancelled(ctx) {
		return nil, "", true
	}

	attempt.Verdict = verdict
	e.sealAttempt(ctx, attempt)
	e.emit(run, attempt.Index, EventEvaluationComplete, map[string]any{
		"scores":            verdict.Scores,
		"guardrails_passed": verdict.GuardrailsPassed,
		"passed":            verdict.Passed,
		"feedback":          verdict.Feedback,
	})

	kind := ErrorKind("")
	if !verdict.Passed && verdict.Feedback == string(KindEvaluatorUnavailable) {
		kind = KindEvaluatorUnavailable
	}
	return verdict, kind, false
}

// promote seals the winning attempt into a Resolution pending rep review.
// Returns false on a persistence failure.
func (e *Engine) promote(ctx context.Context, run *WorkflowRun, attempt *RunAttempt) bool {
	res := &conversation.Resolution{
		ID:             uuid.New().String(),
		ConversationID: run.ConversationID,
		RunID:          run.ID,
		AttemptIndex:   attempt.Index,
		Text:           attempt.ResolutionText,
		Citations:      attempt.Citations,
		Scores:         attempt.Verdict.Scores,
		PendingReview:  true,
		CreatedAt:      time.Now(),
	}
	if err := e.convs.SaveResolution(ctx, res); err != nil {
		e.logger.Error("Failed to save resolution",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// finalize records the terminal state, emits the terminal event, and
// notifies the observer. Persistence failures here are logged; the startup
// sweep catches anything left non-terminal.
func (e *Engine) finalize(run *WorkflowRun, terminal State, kind ErrorKind, verdict *EvaluationVerdict, attempt *RunAttempt) {
	e.transition(run, terminal)
	run.ErrorKind = kind
	run.FinalVerdict = verdict
	run.FinishedAt = time.Now()

	// The run context may already be cancelled or expired.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.runs.SaveRun(saveCtx, run); err != nil {
		e.logger.Error("Failed to save terminal run state",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}

	attemptIdx := 0
	if attempt != nil {
		attemptIdx = attempt.Index
	}

	switch terminal {
	case StateSucceeded:
		e.emit(run, attemptIdx, EventWorkflowComplete, map[string]any{
			"attempts": run.AttemptCount,
		})
	case StateFailed:
		payload := map[string]any{
			"error_kind": string(kind),
			"attempts":   run.AttemptCount,
		}
		if verdict != nil {
			payload["scores"] = verdict.Scores
			payload["feedback"] = verdict.Feedback
		}
		e.emit(run, attemptIdx, EventWorkflowFailed, payload)
	case StateAborted:
		// No workflow_complete or workflow_failed on abort; the optional
		// cancelled terminal event is all subscribers see.
		if kind == KindCancelled {
			e.emit(run, attemptIdx, EventWorkflowCancelled, map[string]any{
				"attempts": run.AttemptCount,
			})
		}
	}

	e.observer.RunFinished(run.ConversationID, run.ID, terminal, run.AttemptCount, time.Since(run.StartedAt))
}

// sealAttempt persists a finished attempt. Write-through; failures are
// logged and the run continues on its retry policy.
func (e *Engine) sealAttempt(ctx context.Context, attempt *RunAttempt) {
	e.persistAttempt(ctx, attempt)
}

// persistAttempt writes the attempt's current shape through to storage.
// Idempotent by (run id, attempt index).
func (e *Engine) persistAttempt(ctx context.Context, attempt *RunAttempt) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.SaveAttempt(saveCtx, attempt); err != nil {
		e.logger.Error("Failed to save attempt",
			slog.String("run_id", attempt.RunID),
			slog.Int("index", attempt.Index),
			slog.String("error", err.Error()))
	}
}

// transition advances the run's state and notifies the observer.
func (e *Engine) transition(run *WorkflowRun, to State) {
	from := run.State
	if from == to {
		return
	}
	if !CanTransition(from, to) && !to.IsTerminal() {
		e.logger.Warn("Unexpected state transition",
			slog.String("run_id", run.ID),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	run.State = to
	e.observer.StateChanged(run.ConversationID, run.ID, from, to)
}

// emit publishes a progress event. Fire-and-forget.
func (e *Engine) emit(run *WorkflowRun, attempt int, eventType EventType, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(run.ConversationID, Event{
		Type:           eventType,
		ConversationID: run.ConversationID,
		RunID:          run.ID,
		Attempt:        attempt,
		Timestamp:      time.Now(),
		Payload:        payload,
	})
}

// cancelled reports external cancellation, as distinct from a deadline.
func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// stageKind maps a stage error to its kind: a kinded error keeps its kind
// unless the stage deadline expired first.
func stageKind(err error, stageCtx context.Context) ErrorKind {
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindStageTimeout
	}
	if kind := KindOf(err); kind != "" {
		return kind
	}
	return KindModelUnavailable
}
