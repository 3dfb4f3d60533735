package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"github.com/bmatcuk/doublestar/v4"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

const (
	webUserAgent      = "repassist/1.0"
	maxPageBytes      = 2 << 20 // 2 MiB per fetched page
	defaultSearchPath = "/search?q="
)

// WebConfig configures the public web adapter.
type WebConfig struct {
	// Tag is the source tag reported in results.
	Tag string

	// BaseURL is the public site root.
	BaseURL string

	// SiteSearchURL is the external search frontend used for site-scoped
	// queries. Empty means go straight to the native site search.
	SiteSearchURL string

	// IncludePatterns are glob patterns a result URL path must match
	// (empty allows all). ExcludePatterns reject matching paths.
	IncludePatterns []string
	ExcludePatterns []string
}

// WebAdapter searches a public website. The primary strategy is a
// site-scoped query against an external search frontend; when that yields
// nothing it falls back to the site's native search page. Result pages are
// fetched and reduced to readable markdown snippets.
type WebAdapter struct {
	config    WebConfig
	client    *http.Client
	converter *md.Converter
	logger    *slog.Logger
}

// NewWebAdapter creates a public web source adapter.
func NewWebAdapter(config WebConfig, logger *slog.Logger) (*WebAdapter, error) {
	if config.Tag == "" {
		config.Tag = "web"
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("web adapter requires a base URL")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &WebAdapter{
		config:    config,
		client:    &http.Client{Timeout: 15 * time.Second},
		converter: converter,
		logger:    logger,
	}, nil
}

// Name implements Adapter.
func (w *WebAdapter) Name() string {
	return w.config.Tag
}

// Search implements Adapter.
func (w *WebAdapter) Search(ctx context.Context, query string, k int) ([]Result, error) {
	links, err := w.siteScopedSearch(ctx, query, k)
	if err != nil || len(links) == 0 {
		if err != nil {
			w.logger.Debug("Site-scoped search failed, trying native search",
				slog.String("error", err.Error()))
		}
		links, err = w.nativeSearch(ctx, query, k)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(links))
	for rank, link := range links {
		if rank >= k {
			break
		}
		title, snippet := w.extractContent(ctx, link)
		if title == "" {
			title = link
		}
		results = append(results, Result{
			Source:  w.config.Tag,
			Title:   title,
			URL:     link,
			Snippet: snippet,
			Score:   rankScore(rank),
			Rank:    rank,
		})
	}
	return results, nil
}

// siteScopedSearch queries the external search frontend with a site: filter.
func (w *WebAdapter) siteScopedSearch(ctx context.Context, query string, k int) ([]string, error) {
	if w.config.SiteSearchURL == "" {
		return nil, nil
	}

	base, err := url.Parse(w.config.BaseURL)
	if err != nil {
		return nil, err
	}

	scoped := fmt.Sprintf("site:%s %s", base.Host, query)
	searchURL := w.config.SiteSearchURL + url.QueryEscape(scoped)

	doc, err := w.fetchDocument(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	return w.collectLinks(doc, base.Host, k), nil
}

// nativeSearch queries the site's own search page.
func (w *WebAdapter) nativeSearch(ctx context.Context, query string, k int) ([]string, error) {
	base, err := url.Parse(w.config.BaseURL)
	if err != nil {
		return nil, err
	}

	searchURL := strings.TrimSuffix(w.config.BaseURL, "/") + defaultSearchPath + url.QueryEscape(query)
	doc, err := w.fetchDocument(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	return w.collectLinks(doc, base.Host, k), nil
}

// fetchDocument retrieves a page and parses it for link extraction.
func (w *WebAdapter) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// collectLinks extracts result links for the target host, filtered and
// deduplicated, preserving document order.
func (w *WebAdapter) collectLinks(doc *goquery.Document, host string, k int) []string {
	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		link := w.normalizeLink(href, host)
		if link == "" {
			return true
		}
		key := CanonicalURL(link)
		if seen[key] {
			return true
		}
		seen[key] = true
		links = append(links, link)
		return len(links) < k
	})
	return links
}

// normalizeLink resolves a candidate href to an absolute URL on the target
// host that passes the include/exclude patterns. Returns "" to reject.
func (w *WebAdapter) normalizeLink(href, host string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}

	// Search frontends wrap result links in redirects (uddg, q params).
	if u, err := url.Parse(href); err == nil {
		for _, param := range []string{"uddg", "q", "url"} {
			if target := u.Query().Get(param); strings.HasPrefix(target, "http") {
				href = target
				break
			}
		}
	}

	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		base, berr := url.Parse(w.config.BaseURL)
		if berr != nil {
			return ""
		}
		u = base.ResolveReference(u)
	}
	if !strings.EqualFold(u.Host, host) && !strings.HasSuffix(strings.ToLower(u.Host), "."+strings.ToLower(host)) {
		return ""
	}

	if !w.pathAllowed(u.Path) {
		return ""
	}

	u.Fragment = ""
	return u.String()
}

// pathAllowed applies include/exclude glob patterns to a URL path.
func (w *WebAdapter) pathAllowed(path string) bool {
	for _, pattern := range w.config.ExcludePatterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return false
		}
	}
	if len(w.config.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range w.config.IncludePatterns {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// extractContent fetches a result page and reduces it to a title and a
// readable markdown snippet. Failures degrade to an empty snippet; the
// result link is still usable as a citation.
func (w *WebAdapter) extractContent(ctx context.Context, pageURL string) (title, snippet string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", ""
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ""
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", ""
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", ""
	}

	article, err := readability.FromReader(bytes.NewReader(page), parsed)
	if err != nil {
		// Pages readability cannot process still contribute a title.
		return htmlTitle(page), ""
	}

	markdown, err := w.converter.ConvertString(article.Content)
	if err != nil {
		// Readability's plain text is a usable fallback.
		markdown = article.TextContent
	}

	return strings.TrimSpace(article.Title), strings.TrimSpace(markdown)
}

// htmlTitle extracts the <title> element from raw HTML.
func htmlTitle(page []byte) string {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
