package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// FanOutConfig bounds the fan-out.
type FanOutConfig struct {
	// TopK is the per-source result cap.
	TopK int

	// Deadline bounds the whole fan-out.
	Deadline time.Duration

	// SnippetBytes truncates each snippet.
	SnippetBytes int
}

// DefaultFanOutConfig returns the stock fan-out bounds.
func DefaultFanOutConfig() FanOutConfig {
	return FanOutConfig{
		TopK:         5,
		Deadline:     10 * time.Second,
		SnippetBytes: 2048,
	}
}

// FanOut invokes all registered adapters in parallel and merges their
// results. It never fails as a whole: a source timing out or erroring
// contributes zero results and a recorded error kind.
type FanOut struct {
	adapters []Adapter
	config   FanOutConfig
	logger   *slog.Logger
}

// NewFanOut creates a fan-out over the given adapters. Registration order is
// the source preference order used for tie-breaking and dedup.
func NewFanOut(config FanOutConfig, logger *slog.Logger, adapters ...Adapter) (*FanOut, error) {
	if config.TopK < 1 {
		config.TopK = DefaultFanOutConfig().TopK
	}
	if config.Deadline <= 0 {
		config.Deadline = DefaultFanOutConfig().Deadline
	}
	if config.SnippetBytes < 1 {
		config.SnippetBytes = DefaultFanOutConfig().SnippetBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, a := range adapters {
		if err := validateAdapter(a); err != nil {
			return nil, fmt.Errorf("register adapter: %w", err)
		}
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one adapter required")
	}

	return &FanOut{
		adapters: adapters,
		config:   config,
		logger:   logger,
	}, nil
}

// Sources returns the registered source tags in preference order.
func (f *FanOut) Sources() []string {
	names := make([]string, len(f.adapters))
	for i, a := range f.adapters {
		names[i] = a.Name()
	}
	return names
}

// Search runs all adapters in parallel and returns the merged result list
// plus a map of per-source error kinds for sources that contributed nothing.
func (f *FanOut) Search(ctx context.Context, query string) ([]Result, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Deadline)
	defer cancel()

	perSource := make([][]Result, len(f.adapters))
	errKinds := make([]string, len(f.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, adapter := range f.adapters {
		g.Go(func() error {
			start := time.Now()
			results, err := adapter.Search(gctx, query, f.config.TopK)
			if err != nil {
				errKinds[i] = ErrorKind(err)
				f.logger.Warn("Source search failed",
					slog.String("source", adapter.Name()),
					slog.String("kind", errKinds[i]),
					slog.String("error", err.Error()))
				// Adapter failures never fail the group.
				return nil
			}
			f.logger.Debug("Source search complete",
				slog.String("source", adapter.Name()),
				slog.Int("results", len(results)),
				slog.Duration("elapsed", time.Since(start)))
			perSource[i] = results
			return nil
		})
	}
	// Adapters only return nil; Wait is for completion, not errors.
	_ = g.Wait()

	merged := f.merge(perSource)

	errs := make(map[string]string)
	for i, kind := range errKinds {
		if kind != "" {
			errs[f.adapters[i].Name()] = kind
		}
	}
	return merged, errs
}

// merge normalizes, deduplicates, and orders results from all sources.
// Order: descending score, then source preference order, then per-source rank.
func (f *FanOut) merge(perSource [][]Result) []Result {
	type keyed struct {
		result    Result
		sourceIdx int
	}

	byURL := make(map[string]keyed)
	var order []string

	for sourceIdx, results := range perSource {
		for rank, r := range results {
			if rank >= f.config.TopK {
				break
			}
			if r.URL == "" {
				continue
			}
			r.Source = f.adapters[sourceIdx].Name()
			r.Rank = rank
			r.Snippet = TruncateSnippet(r.Snippet, f.config.SnippetBytes)

			key := CanonicalURL(r.URL)
			existing, seen := byURL[key]
			if !seen {
				byURL[key] = keyed{result: r, sourceIdx: sourceIdx}
				order = append(order, key)
				continue
			}
			// Keep the higher score; on a tie the earlier source wins.
			if r.Score > existing.result.Score {
				byURL[key] = keyed{result: r, sourceIdx: sourceIdx}
			}
		}
	}

	merged := make([]keyed, 0, len(order))
	for _, key := range order {
		merged = append(merged, byURL[key])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.result.Score != b.result.Score {
			return a.result.Score > b.result.Score
		}
		if a.sourceIdx != b.sourceIdx {
			return a.sourceIdx < b.sourceIdx
		}
		return a.result.Rank < b.result.Rank
	})

	out := make([]Result, len(merged))
	for i, k := range merged {
		out[i] = k.result
	}
	return out
}
