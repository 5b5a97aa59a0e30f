package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyProvider implements SearchProvider using the Tavily research search API.
type TavilyProvider struct {
	apiKey   string
	endpoint string
}

func NewTavilyProvider(apiKey string) *TavilyProvider {
	return &TavilyProvider{apiKey: apiKey, endpoint: tavilyEndpoint}
}

func (p *TavilyProvider) Name() string        { return "tavily_search" }
func (p *TavilyProvider) Description() string { return "Tavily (recommended for research)" }
func (p *TavilyProvider) Available() bool     { return p.apiKey != "" }

func (p *TavilyProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	payload, err := json.Marshal(map[string]any{
		"api_key":             p.apiKey,
		"query":               query,
		"max_results":         n,
		"search_depth":        "advanced",
		"include_answer":      true,
		"include_raw_content": false,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := doSearchRequest(p.Name(), req)
	if err != nil {
		return nil, err
	}
	return parseTavilyJSON(body, n)
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// parseTavilyJSON puts the synthesized answer, when present, ahead of the hits.
func parseTavilyJSON(data []byte, n int) ([]SearchResult, error) {
	var resp tavilyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse tavily response: %w", err)
	}
	var results []SearchResult
	if resp.Answer != "" {
		results = append(results, SearchResult{Title: "AI Summary", Snippet: resp.Answer})
	}
	for _, r := range resp.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return limitResults(results, n), nil
}

func limitResults(results []SearchResult, n int) []SearchResult {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}
