package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveProvider implements SearchProvider using the Brave Search API.
type BraveProvider struct {
	apiKey   string
	endpoint string
}

// NewBraveProvider creates a Brave search provider.
func NewBraveProvider(apiKey string) *BraveProvider {
	return &BraveProvider{apiKey: apiKey, endpoint: braveEndpoint}
}

func (b *BraveProvider) Name() string { return "brave_search" }
func (b *BraveProvider) Description() string {
	return "Brave Search"
}
func (b *BraveProvider) Available() bool { return b.apiKey != "" }

func (b *BraveProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	braveURL := b.endpoint + "?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	body, err := doSearchRequest(b.Name(), req)
	if err != nil {
		return nil, err
	}
	return parseBraveJSON(body, n)
}

// braveResponse matches the relevant fields of the Brave Search API response.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// parseBraveJSON extracts search results from a Brave API JSON response.
func parseBraveJSON(data []byte, n int) ([]SearchResult, error) {
	var resp braveResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse brave response: %w", err)
	}
	var results []SearchResult
	for _, r := range resp.Web.Results {
		results = append(results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return limitResults(results, n), nil
}
