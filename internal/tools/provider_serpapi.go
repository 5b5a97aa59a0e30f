package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const serpAPIEndpoint = "https://serpapi.com/search"

// SerpAPIProvider implements SearchProvider using SerpAPI's Google engine.
type SerpAPIProvider struct {
	apiKey   string
	endpoint string
}

func NewSerpAPIProvider(apiKey string) *SerpAPIProvider {
	return &SerpAPIProvider{apiKey: apiKey, endpoint: serpAPIEndpoint}
}

func (p *SerpAPIProvider) Name() string        { return "serpapi_search" }
func (p *SerpAPIProvider) Description() string { return "SerpAPI (Google Search)" }
func (p *SerpAPIProvider) Available() bool     { return p.apiKey != "" }

func (p *SerpAPIProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("api_key", p.apiKey)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(n))
	params.Set("engine", "google")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := doSearchRequest(p.Name(), req)
	if err != nil {
		return nil, err
	}
	return parseSerpAPIJSON(body, n)
}

type serpAPIResponse struct {
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

func parseSerpAPIJSON(data []byte, n int) ([]SearchResult, error) {
	var resp serpAPIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse serpapi response: %w", err)
	}
	var results []SearchResult
	for _, r := range resp.OrganicResults {
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return limitResults(results, n), nil
}
