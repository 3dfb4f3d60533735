// Package search provides the source fan-out: parallel retrieval from
// registered source adapters, merged into one deduplicated, relevance-sorted
// result list.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Result is one retrieved document from a source.
type Result struct {
	// Source is the adapter tag that produced the result (e.g. "fidelity", "mygps", "index").
	Source string `json:"source"`

	// Title is the document title.
	Title string `json:"title"`

	// URL is the canonical URL, unique within a merged result list.
	URL string `json:"url"`

	// Snippet is the extracted text, truncated to the configured byte budget.
	Snippet string `json:"snippet"`

	// Score is the relevance score in [0, 1].
	Score float64 `json:"score"`

	// Rank is the 0-based position within the originating source's results.
	Rank int `json:"rank"`
}

// Adapter retrieves results for a query from one source.
// Implementations respect ctx cancellation; the fan-out applies the deadline.
type Adapter interface {
	// Name returns the source tag used in results and error maps.
	Name() string

	// Search returns up to k results for the query.
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

// ErrUnauthorized marks a source that cannot be reached for lack of
// credentials. The fan-out records it and moves on.
var ErrUnauthorized = errors.New("source credentials absent or rejected")

// Error kinds recorded in the per-source error map.
const (
	ErrKindTimeout      = "timeout"
	ErrKindUnauthorized = "unauthorized"
	ErrKindUnavailable  = "unavailable"
)

// ErrorKind classifies an adapter error for the per-source error map.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrKindTimeout
	case errors.Is(err, ErrUnauthorized):
		return ErrKindUnauthorized
	default:
		return ErrKindUnavailable
	}
}

// CanonicalURL normalizes a URL for deduplication: lowercased, fragment
// stripped, trailing slash removed.
func CanonicalURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "/")
	return u
}

// TruncateSnippet bounds a snippet to maxBytes without splitting a UTF-8
// sequence mid-rune.
func TruncateSnippet(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	// Back off trailing continuation bytes.
	for len(b) > 0 && b[len(b)-1]&0xC0 == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// rankScore computes the descending positional score for a source that has
// no native relevance signal: 0.9 for the first result, stepping down 0.05.
func rankScore(rank int) float64 {
	score := 0.9 - 0.05*float64(rank)
	if score < 0.05 {
		score = 0.05
	}
	return score
}

// validateAdapter rejects registration mistakes early.
func validateAdapter(a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	if a.Name() == "" {
		return fmt.Errorf("adapter has empty name")
	}
	return nil
}
