package search

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSiteServer serves a native search page plus two content pages.
func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("q"))
		fmt.Fprintf(w, `<html><body>
			<a href="%s/customer-service/reset-password">Reset your password</a>
			<a href="%s/promo/ad-page">Promo</a>
			<a href="#top">Back to top</a>
			<a href="javascript:void(0)">Menu</a>
			<a href="https://other-site.example/reset">External</a>
		</body></html>`, server.URL, server.URL)
	})
	mux.HandleFunc("/customer-service/reset-password", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Reset your password</title></head><body>
			<article><h1>Reset your password</h1>
			<p>Go to the login page and select Forgot Password. You will receive an email with a reset link that expires after one hour.</p>
			<p>If you do not receive the email, check your spam folder or contact support.</p>
			</article></body></html>`)
	})
	mux.HandleFunc("/promo/ad-page", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Promo</title></head><body><p>Limited offer</p></body></html>`)
	})

	server = httptest.NewServer(mux)
	return server
}

func TestWebAdapterNativeSearch(t *testing.T) {
	server := newSiteServer(t)
	defer server.Close()

	a, err := NewWebAdapter(WebConfig{
		Tag:             "fidelity",
		BaseURL:         server.URL,
		ExcludePatterns: []string{"/promo/**"},
	}, nil)
	require.NoError(t, err)

	results, err := a.Search(context.Background(), "reset password", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "fidelity", r.Source)
	assert.Contains(t, r.URL, "/customer-service/reset-password")
	assert.Equal(t, "Reset your password", r.Title)
	assert.Contains(t, r.Snippet, "Forgot Password")
	assert.Equal(t, 0.9, r.Score)
}

func TestWebAdapterIncludePatterns(t *testing.T) {
	server := newSiteServer(t)
	defer server.Close()

	a, err := NewWebAdapter(WebConfig{
		BaseURL:         server.URL,
		IncludePatterns: []string{"/customer-service/**"},
	}, nil)
	require.NoError(t, err)

	results, err := a.Search(context.Background(), "reset password", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].URL, "/customer-service/")
}

func TestWebAdapterSiteScopedPrimary(t *testing.T) {
	site := newSiteServer(t)
	defer site.Close()

	siteHost, err := url.Parse(site.URL)
	require.NoError(t, err)

	// External search frontend that wraps result links in redirects.
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		assert.Contains(t, q, "site:"+siteHost.Host)
		target := url.QueryEscape(site.URL + "/customer-service/reset-password")
		fmt.Fprintf(w, `<html><body><a href="/l/?uddg=%s">Reset your password</a></body></html>`, target)
	}))
	defer frontend.Close()

	a, err := NewWebAdapter(WebConfig{
		BaseURL:       site.URL,
		SiteSearchURL: frontend.URL + "/?q=",
	}, nil)
	require.NoError(t, err)

	results, err := a.Search(context.Background(), "reset password", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].URL, "/customer-service/reset-password")
}

func TestWebAdapterFallsBackToNative(t *testing.T) {
	site := newSiteServer(t)
	defer site.Close()

	// Frontend that returns no usable links.
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>No results</body></html>`)
	}))
	defer frontend.Close()

	a, err := NewWebAdapter(WebConfig{
		BaseURL:       site.URL,
		SiteSearchURL: frontend.URL + "/?q=",
	}, nil)
	require.NoError(t, err)

	results, err := a.Search(context.Background(), "reset password", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestWebAdapterScoresDescendByRank(t *testing.T) {
	assert.Equal(t, 0.9, rankScore(0))
	assert.InDelta(t, 0.85, rankScore(1), 1e-9)
	assert.InDelta(t, 0.8, rankScore(2), 1e-9)
	// Never goes non-positive no matter the rank.
	assert.Greater(t, rankScore(100), 0.0)
}

func TestWebAdapterRequiresBaseURL(t *testing.T) {
	_, err := NewWebAdapter(WebConfig{}, nil)
	require.Error(t, err)
}

func TestHTMLTitle(t *testing.T) {
	page := []byte(`<html><head><title>  Account recovery  </title></head><body></body></html>`)
	assert.Equal(t, "Account recovery", htmlTitle(page))

	assert.Empty(t, htmlTitle([]byte(`<html><body><p>no title</p></body></html>`)))
}
