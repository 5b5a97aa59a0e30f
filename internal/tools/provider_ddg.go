package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// DDGProvider implements SearchProvider by scraping DuckDuckGo's HTML page.
// It needs no key and is only used when asked for explicitly.
type DDGProvider struct {
	endpoint string
}

func NewDDGProvider() *DDGProvider {
	return &DDGProvider{endpoint: ddgEndpoint}
}

func (d *DDGProvider) Name() string        { return "duckduckgo" }
func (d *DDGProvider) Description() string { return "DuckDuckGo HTML (no API key)" }
func (d *DDGProvider) Available() bool     { return true }

func (d *DDGProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "analyst/1.0")

	body, err := doSearchRequest(d.Name(), req)
	if err != nil {
		return nil, err
	}
	return limitResults(parseHTMLResults(string(body)), n), nil
}

// reResultBlock matches each <div class="result...">...</div> or the
// <a class="result__a" ...> + <a class="result__snippet" ...> pattern
// in the DuckDuckGo HTML response.
var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseHTMLResults(html string) []SearchResult {
	links := reResultLink.FindAllStringSubmatch(html, 10)
	snippets := reResultSnippet.FindAllStringSubmatch(html, 10)

	var results []SearchResult
	for i, link := range links {
		if len(link) < 3 {
			continue
		}
		rawURL := link[1]
		title := stripTags(link[2])

		// DuckDuckGo wraps URLs in a redirect; extract the actual URL.
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}

		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = stripTags(snippets[i][1])
		}

		results = append(results, SearchResult{
			Title:   strings.TrimSpace(title),
			URL:     rawURL,
			Snippet: strings.TrimSpace(snippet),
		})
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reTag.ReplaceAllString(s, ""))
}
