package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// IndexDocument is a previously-ingested document held by the index adapter.
type IndexDocument struct {
	Title   string
	URL     string
	Content string
}

// IndexAdapter is an in-process keyword index over previously-ingested
// content. It scores documents by query-term overlap, so runs can ground
// answers in curated material without a network round trip.
type IndexAdapter struct {
	tag string

	mu   sync.RWMutex
	docs []IndexDocument
}

// NewIndexAdapter creates an empty index adapter.
func NewIndexAdapter(tag string) *IndexAdapter {
	if tag == "" {
		tag = "index"
	}
	return &IndexAdapter{tag: tag}
}

// Name implements Adapter.
func (a *IndexAdapter) Name() string {
	return a.tag
}

// Add ingests a document. Re-adding the same URL replaces the prior copy.
func (a *IndexAdapter) Add(doc IndexDocument) {
	if doc.URL == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := CanonicalURL(doc.URL)
	for i, existing := range a.docs {
		if CanonicalURL(existing.URL) == key {
			a.docs[i] = doc
			return
		}
	}
	a.docs = append(a.docs, doc)
}

// Len returns the number of indexed documents.
func (a *IndexAdapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.docs)
}

// Search implements Adapter.
func (a *IndexAdapter) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	type scored struct {
		doc   IndexDocument
		score float64
	}

	var matches []scored
	for _, doc := range a.docs {
		score := overlapScore(terms, doc)
		if score > 0 {
			matches = append(matches, scored{doc: doc, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	if len(matches) > k {
		matches = matches[:k]
	}

	results := make([]Result, len(matches))
	for rank, m := range matches {
		results[rank] = Result{
			Source:  a.tag,
			Title:   m.doc.Title,
			URL:     m.doc.URL,
			Snippet: snippetAround(m.doc.Content, terms),
			Score:   m.score,
			Rank:    rank,
		}
	}
	return results, nil
}

// overlapScore is the fraction of query terms present in the document,
// with title matches weighted double. Bounded to [0, 1].
func overlapScore(terms []string, doc IndexDocument) float64 {
	title := strings.ToLower(doc.Title)
	content := strings.ToLower(doc.Content)

	var weight float64
	for _, term := range terms {
		switch {
		case strings.Contains(title, term):
			weight += 2
		case strings.Contains(content, term):
			weight += 1
		}
	}

	score := weight / float64(2*len(terms))
	if score > 1 {
		score = 1
	}
	return score
}

// snippetAround returns the content region surrounding the first matching
// term, so the snippet shows the relevant passage rather than the page head.
func snippetAround(content string, terms []string) string {
	const window = 400

	lower := strings.ToLower(content)
	pos := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		if len(content) > window {
			return content[:window]
		}
		return content
	}

	start := pos - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(content) {
		end = len(content)
	}
	return strings.TrimSpace(content[start:end])
}

// tokenize splits a query into lowercase terms, dropping short stop words.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var terms []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
