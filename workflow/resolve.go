package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/meridianlabs/repassist/conversation"
	"github.com/meridianlabs/repassist/llm"
	"github.com/meridianlabs/repassist/model"
	"github.com/meridianlabs/repassist/search"
)

// resolutionTemperature allows some fluency while staying grounded.
const resolutionTemperature = 0.5

// citationRe matches the inline citation convention.
var citationRe = regexp.MustCompile(`\[Source:\s*([^\]\s]+)\s*\]`)

const resolutionSystemPrompt = `You write customer-facing answers for financial services representatives.

Rules:
- Answer only from the provided sources. Never invent facts or URLs.
- Cite every claim inline with the marker [Source: <url>], using only URLs
  from the provided sources.
- Write 2-4 short paragraphs in a clear, professional tone. Stay under
  roughly 800 words.
- Do not use uncertain language such as "I think" or "probably".`

// GeneratedResolution is the generator's output before evaluation.
type GeneratedResolution struct {
	// Text is the answer with inline [Source: url] markers.
	Text string

	// Citations lists the validated citations in order of appearance.
	Citations []conversation.Citation

	// GeneratedAt is the generation timestamp.
	GeneratedAt time.Time
}

// Generator synthesizes cited resolutions from merged source results.
type Generator struct {
	completer llm.Completer

	// capability is the tag the registry routes generation requests by.
	capability string

	// requireGrounding fails generation with no_sources when the source
	// list is empty instead of letting the model answer unsupported.
	requireGrounding bool
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorCapability routes generation through a different capability
// tag, e.g. from the model.generator_tag config option. Empty keeps the
// default.
func WithGeneratorCapability(tag string) GeneratorOption {
	return func(g *Generator) {
		if tag != "" {
			g.capability = tag
		}
	}
}

// NewGenerator creates a resolution generator. Grounding is required.
func NewGenerator(completer llm.Completer, opts ...GeneratorOption) *Generator {
	g := &Generator{
		completer:        completer,
		capability:       string(model.CapabilityResolution),
		requireGrounding: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces a resolution from the query and source results.
// Citations are post-validated against the source list: a fabricated URL is
// discarded and the attempt fails with citation_invalid without another
// model call.
func (g *Generator) Generate(ctx context.Context, query string, sources []search.Result, prior []AttemptFeedback) (*GeneratedResolution, error) {
	if len(sources) == 0 && g.requireGrounding {
		return nil, Errorf(KindNoSources, "no source results to ground the answer")
	}

	temp := resolutionTemperature
	resp, err := g.completer.Complete(ctx, llm.Request{
		Capability:  g.capability,
		Temperature: &temp,
		Messages: []llm.Message{
			{Role: "system", Content: resolutionSystemPrompt},
			{Role: "user", Content: buildResolutionPrompt(query, sources, prior)},
		},
	})
	if err != nil {
		return nil, NewError(KindModelUnavailable, err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, Errorf(KindModelUnavailable, "empty resolution text")
	}

	citations, invalid := extractCitations(text, sources)
	if invalid > 0 {
		return &GeneratedResolution{
			Text:        text,
			Citations:   citations,
			GeneratedAt: time.Now(),
		}, Errorf(KindCitationInvalid, "%d cited URL(s) not present in source results", invalid)
	}

	return &GeneratedResolution{
		Text:        text,
		Citations:   citations,
		GeneratedAt: time.Now(),
	}, nil
}

// extractCitations pulls inline [Source: url] markers in order of appearance,
// keeping only URLs that appear in the source list. Returns the valid
// citations and the count of fabricated ones.
func extractCitations(text string, sources []search.Result) ([]conversation.Citation, int) {
	allowed := make(map[string]search.Result, len(sources))
	for _, s := range sources {
		allowed[search.CanonicalURL(s.URL)] = s
	}

	seen := make(map[string]bool)
	var citations []conversation.Citation
	invalid := 0

	for _, match := range citationRe.FindAllStringSubmatch(text, -1) {
		url := strings.TrimSpace(match[1])
		key := search.CanonicalURL(url)
		if key == "" {
			continue
		}

		src, ok := allowed[key]
		if !ok {
			invalid++
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		label := src.Title
		if label == "" {
			label = url
		}
		citations = append(citations, conversation.Citation{Label: label, URL: src.URL})
	}
	return citations, invalid
}

// buildResolutionPrompt renders the query, numbered sources, and prior
// feedback into the generation prompt.
func buildResolutionPrompt(query string, sources []search.Result, prior []AttemptFeedback) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Customer need (optimized query): %s\n\nSources:\n\n", query)
	for i, s := range sources {
		fmt.Fprintf(&sb, "%d. %s\nURL: %s\n%s\n\n", i+1, s.Title, s.URL, s.Snippet)
	}

	if len(prior) > 0 {
		sb.WriteString("Earlier drafts were rejected. Address this feedback:\n\n")
		for _, p := range prior {
			if p.Feedback != "" {
				fmt.Fprintf(&sb, "- %s\n", p.Feedback)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Write the answer now, citing sources inline with [Source: <url>].")
	return sb.String()
}
