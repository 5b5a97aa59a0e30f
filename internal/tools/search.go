package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
)

const searchNotConfigured = "Web search is not configured. Please set one of the following " +
	"environment variables:\n" +
	"- TAVILY_API_KEY (recommended for research)\n" +
	"- SERPAPI_API_KEY (Google Search)\n" +
	"- BRAVE_API_KEY (Brave Search)\n\n" +
	"Get a free Tavily API key at: https://tavily.com"

// SearchDescriptor returns the web_search tool over the given provider chain.
func SearchDescriptor(providers []SearchProvider) Descriptor {
	return Descriptor{
		Name: "web_search",
		Description: "Search the web for real-time information. Use this to find current news, " +
			"recent earnings reports, analyst opinions, market data, company announcements, " +
			"and other time-sensitive information. Returns titles, URLs, and snippets from " +
			"top search results.",
		Params: []Param{
			{Name: "query", Type: TypeString, Required: true, Description: "The search query (e.g., 'DocuSign Q3 2024 earnings results')"},
			{Name: "num_results", Type: TypeInteger, Description: "Number of results to return (default: 5, max: 10)"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			return search(ctx, StringArg(args, "query"), IntArg(args, "num_results", defaultSearchResults), providers), nil
		},
	}
}

// search routes a query through the ordered providers: skip unavailable,
// try search, fall through on error. First success wins.
func search(ctx context.Context, query string, n int, providers []SearchProvider) Result {
	if strings.TrimSpace(query) == "" {
		return ErrorResult("Error: query parameter is required")
	}
	if n <= 0 {
		n = defaultSearchResults
	}
	if n > maxSearchResults {
		n = maxSearchResults
	}

	var lastErr error
	var lastProvider string
	for _, p := range providers {
		if !p.Available() {
			continue
		}
		slog.Info("web_search", "provider", p.Name(), "query", query, "num_results", n)
		results, err := p.Search(ctx, query, n)
		if err != nil {
			slog.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			lastErr, lastProvider = err, p.Name()
			continue
		}
		return TextResult(formatResults(results, query))
	}
	if lastErr == nil {
		return ErrorResult(searchNotConfigured)
	}
	return ErrorResult(describeSearchError(lastProvider, lastErr))
}

func describeSearchError(provider string, err error) string {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("Search API error (%s): %d - %s", provider, statusErr.Status, statusErr.Body)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("Search request timed out (%s). Please try again.", provider)
	}
	return fmt.Sprintf("Search error: %v", err)
}

// formatResults renders hits as markdown. Results without a URL are
// synthesized answers and get an unnumbered heading.
func formatResults(results []SearchResult, query string) string {
	if len(results) == 0 {
		return "No results found for: " + query
	}
	lines := []string{fmt.Sprintf("## Web Search Results for: %s\n", query)}
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		snippet := r.Snippet
		if snippet == "" {
			snippet = "No description available"
		}
		if r.URL != "" {
			lines = append(lines, fmt.Sprintf("### %d. %s", i+1, title), "**URL:** "+r.URL)
		} else {
			lines = append(lines, "### "+title)
		}
		lines = append(lines, snippet+"\n")
	}
	return strings.Join(lines, "\n")
}
