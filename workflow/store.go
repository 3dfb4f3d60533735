package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRunNotFound is returned when a run id resolves to nothing.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists workflow runs and their attempts. All writes are
// idempotent by primary key: (run id) for runs, (run id, attempt index) for
// attempts.
type RunStore interface {
	// SaveRun writes a run record through.
	SaveRun(ctx context.Context, run *WorkflowRun) error

	// SaveAttempt writes an attempt record through.
	SaveAttempt(ctx context.Context, attempt *RunAttempt) error

	// GetRun returns a run by id, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)

	// ListAttempts returns a run's attempts ordered by index.
	ListAttempts(ctx context.Context, runID string) ([]*RunAttempt, error)

	// MarkAbandonedRunsAborted finds runs without a terminal state and
	// marks them aborted. Startup-time crash recovery sweep; returns the
	// number of runs swept.
	MarkAbandonedRunsAborted(ctx context.Context) (int, error)
}

// MemoryRunStore is an in-memory RunStore for tests and single-process use.
type MemoryRunStore struct {
	mu       sync.RWMutex
	runs     map[string]*WorkflowRun
	attempts map[string]map[int]*RunAttempt
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:     make(map[string]*WorkflowRun),
		attempts: make(map[string]map[int]*RunAttempt),
	}
}

// SaveRun implements RunStore.
func (s *MemoryRunStore) SaveRun(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

// SaveAttempt implements RunStore.
func (s *MemoryRunStore) SaveAttempt(_ context.Context, attempt *RunAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.attempts[attempt.RunID]
	if !ok {
		byIndex = make(map[int]*RunAttempt)
		s.attempts[attempt.RunID] = byIndex
	}

	clone := *attempt
	byIndex[attempt.Index] = &clone
	return nil
}

// GetRun implements RunStore.
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

// ListAttempts implements RunStore.
func (s *MemoryRunStore) ListAttempts(_ context.Context, runID string) ([]*RunAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byIndex, ok := s.attempts[runID]
	if !ok {
		return nil, nil
	}

	out := make([]*RunAttempt, 0, len(byIndex))
	for _, attempt := range byIndex {
		clone := *attempt
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// MarkAbandonedRunsAborted implements RunStore.
func (s *MemoryRunStore) MarkAbandonedRunsAborted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, run := range s.runs {
		if run.State.IsTerminal() {
			continue
		}
		run.State = StateAborted
		run.ErrorKind = KindCancelled
		run.FinishedAt = time.Now()
		swept++
	}
	return swept, nil
}
