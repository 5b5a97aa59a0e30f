package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SearchProvider is the interface every search backend implements.
// Available reports provider-specific readiness such as an API key being set.
type SearchProvider interface {
	Name() string // e.g. "tavily_search", "brave_search", "duckduckgo"
	Description() string
	Available() bool
	Search(ctx context.Context, query string, n int) ([]SearchResult, error)
}

// SearchResult is one hit. URL is empty for synthesized answers.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// HTTPStatusError is a non-2xx response from a search API.
type HTTPStatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Body)
}

var searchHTTPClient = &http.Client{Timeout: 30 * time.Second}

// doSearchRequest executes req and returns the body of a 2xx response.
func doSearchRequest(provider string, req *http.Request) ([]byte, error) {
	resp, err := searchHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, &HTTPStatusError{Provider: provider, Status: resp.StatusCode, Body: string(body)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// SearchProviders builds the provider chain in priority order: Tavily,
// SerpAPI, then Brave. A preferred name moves that provider to the front;
// "duckduckgo" additionally appends the keyless DuckDuckGo scraper.
func SearchProviders(keys func(name string) string, preferred string) []SearchProvider {
	providers := []SearchProvider{
		NewTavilyProvider(keys("tavily_search")),
		NewSerpAPIProvider(keys("serpapi_search")),
		NewBraveProvider(keys("brave_search")),
	}
	if preferred == "duckduckgo" {
		providers = append(providers, NewDDGProvider())
	}
	for i, p := range providers {
		if p.Name() == preferred && i > 0 {
			providers = append([]SearchProvider{p}, append(providers[:i:i], providers[i+1:]...)...)
			break
		}
	}
	return providers
}
