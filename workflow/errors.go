package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind tags errors surfaced by the run engine and its stages.
type ErrorKind string

// Error kinds.
const (
	// KindNotTriggered: no trigger phrase matched. Terminal, non-error;
	// returned as status to the caller.
	KindNotTriggered ErrorKind = "not_triggered"

	// KindRunInProgress: the conversation already has an in-flight run.
	KindRunInProgress ErrorKind = "run_in_progress"

	// KindConversationNotFound: the conversation id resolves to nothing.
	KindConversationNotFound ErrorKind = "conversation_not_found"

	// KindInvalidState: the conversation is not active.
	KindInvalidState ErrorKind = "invalid_state"

	// KindModelUnavailable: a language-model call failed after its
	// internal retries. Counted as an attempt failure.
	KindModelUnavailable ErrorKind = "model_unavailable"

	// KindNoSources: the generator received an empty source list.
	KindNoSources ErrorKind = "no_sources"

	// KindCitationInvalid: the generator cited a URL not present in the
	// source results. The offending citation is discarded; the attempt
	// fails without a second model call.
	KindCitationInvalid ErrorKind = "citation_invalid"

	// KindEvaluatorUnavailable: the evaluator model call failed; treated
	// as a non-passing verdict.
	KindEvaluatorUnavailable ErrorKind = "evaluator_unavailable"

	// KindStageTimeout: a stage deadline expired.
	KindStageTimeout ErrorKind = "stage_timeout"

	// KindCancelled: the run was cancelled externally.
	KindCancelled ErrorKind = "cancelled"

	// KindPersistenceError: a persistence write failed.
	KindPersistenceError ErrorKind = "persistence_error"
)

// Error is a kinded workflow error.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a kinded error wrapping an underlying cause.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind, or "" for unkinded errors.
func KindOf(err error) ErrorKind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// retryable reports whether an attempt-level failure should consume a retry
// rather than terminate the run.
func retryable(kind ErrorKind) bool {
	switch kind {
	case KindModelUnavailable, KindNoSources, KindCitationInvalid,
		KindEvaluatorUnavailable, KindStageTimeout:
		return true
	}
	return false
}
