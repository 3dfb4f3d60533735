package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// RunsBucket is the KV bucket name for workflow runs.
	RunsBucket = "WORKFLOW_RUNS"

	// AttemptsBucket is the KV bucket name for run attempts.
	// Keys are {run_id}.{attempt_index} for prefix queries per run.
	AttemptsBucket = "RUN_ATTEMPTS"
)

// NATSRunStore persists runs and attempts in JetStream KV buckets.
type NATSRunStore struct {
	runs     jetstream.KeyValue
	attempts jetstream.KeyValue
	logger   *slog.Logger
}

// NewNATSRunStore creates the KV buckets (idempotent) and returns a store.
func NewNATSRunStore(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*NATSRunStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	runsBucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      RunsBucket,
		Description: "Workflow run records",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", RunsBucket, err)
	}

	attemptsBucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      AttemptsBucket,
		Description: "Workflow run attempt records",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", AttemptsBucket, err)
	}

	return &NATSRunStore{
		runs:     runsBucket,
		attempts: attemptsBucket,
		logger:   logger,
	}, nil
}

// SaveRun implements RunStore.
func (s *NATSRunStore) SaveRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := s.runs.Put(ctx, run.ID, data); err != nil {
		return fmt.Errorf("put run: %w", err)
	}
	return nil
}

// SaveAttempt implements RunStore.
func (s *NATSRunStore) SaveAttempt(ctx context.Context, attempt *RunAttempt) error {
	if attempt.RunID == "" || attempt.Index < 1 {
		return fmt.Errorf("attempt requires a run id and a 1-based index")
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	key := fmt.Sprintf("%s.%d", attempt.RunID, attempt.Index)
	if _, err := s.attempts.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put attempt: %w", err)
	}
	return nil
}

// GetRun implements RunStore.
func (s *NATSRunStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	entry, err := s.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run WorkflowRun
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// ListAttempts implements RunStore.
func (s *NATSRunStore) ListAttempts(ctx context.Context, runID string) ([]*RunAttempt, error) {
	keys, err := s.attempts.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := runID + "."
	var out []*RunAttempt
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.attempts.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				s.logger.Warn("Failed to get key", "key", key, "error", err)
			}
			continue
		}
		var attempt RunAttempt
		if err := json.Unmarshal(entry.Value(), &attempt); err != nil {
			s.logger.Warn("Failed to unmarshal attempt", "key", key, "error", err)
			continue
		}
		out = append(out, &attempt)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// MarkAbandonedRunsAborted implements RunStore. A crash-restart that finds an
// in-flight run without a terminal record marks it aborted here; recovery is
// a startup-time sweep, not a mid-flight concern.
func (s *NATSRunStore) MarkAbandonedRunsAborted(ctx context.Context) (int, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("list keys: %w", err)
	}

	swept := 0
	for _, key := range keys {
		entry, err := s.runs.Get(ctx, key)
		if err != nil {
			continue
		}

		var run WorkflowRun
		if err := json.Unmarshal(entry.Value(), &run); err != nil {
			s.logger.Warn("Failed to unmarshal run during sweep", "key", key, "error", err)
			continue
		}
		if run.State.IsTerminal() {
			continue
		}

		run.State = StateAborted
		run.ErrorKind = KindCancelled
		run.FinishedAt = time.Now()
		if err := s.SaveRun(ctx, &run); err != nil {
			return swept, fmt.Errorf("sweep run %s: %w", run.ID, err)
		}

		s.logger.Info("Marked abandoned run aborted",
			slog.String("run_id", run.ID),
			slog.String("conversation_id", run.ConversationID))
		swept++
	}
	return swept, nil
}
