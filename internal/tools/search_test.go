package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockProvider struct {
	name      string
	available bool
	results   []SearchResult
	err       error
	calls     int
	gotN      int
}

func (m *mockProvider) Name() string        { return m.name }
func (m *mockProvider) Description() string { return m.name + " mock" }
func (m *mockProvider) Available() bool     { return m.available }

func (m *mockProvider) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	m.calls++
	m.gotN = n
	return m.results, m.err
}

func TestSearch_RouterFirstSuccess(t *testing.T) {
	p1 := &mockProvider{name: "p1", available: true, results: []SearchResult{{Title: "one", URL: "https://one.example", Snippet: "first"}}}
	p2 := &mockProvider{name: "p2", available: true}

	res := search(context.Background(), "q", 5, []SearchProvider{p1, p2})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text())
	}
	if p2.calls != 0 {
		t.Fatal("second provider should not be called after a success")
	}
	want := "## Web Search Results for: q\n\n### 1. one\n**URL:** https://one.example\nfirst\n"
	if res.Text() != want {
		t.Fatalf("got %q, want %q", res.Text(), want)
	}
}

func TestSearch_RouterSkipsUnavailable(t *testing.T) {
	p1 := &mockProvider{name: "p1"}
	p2 := &mockProvider{name: "p2", available: true, results: []SearchResult{{Title: "two"}}}

	res := search(context.Background(), "q", 5, []SearchProvider{p1, p2})
	if res.IsError || p1.calls != 0 || p2.calls != 1 {
		t.Fatalf("res=%+v p1=%d p2=%d", res, p1.calls, p2.calls)
	}
}

func TestSearch_RouterFallsThroughOnError(t *testing.T) {
	p1 := &mockProvider{name: "p1", available: true, err: errors.New("boom")}
	p2 := &mockProvider{name: "p2", available: true, results: []SearchResult{{Title: "two", URL: "https://two.example"}}}

	res := search(context.Background(), "q", 5, []SearchProvider{p1, p2})
	if res.IsError || !strings.Contains(res.Text(), "two") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSearch_ErrorResults(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		providers []SearchProvider
		want      string
	}{
		{"empty query", "  ", nil, "Error: query parameter is required"},
		{"no provider", "q", []SearchProvider{&mockProvider{name: "p"}}, "Web search is not configured"},
		{"status error", "q", []SearchProvider{&mockProvider{name: "p", available: true,
			err: &HTTPStatusError{Provider: "p", Status: 401, Body: "bad key"}}}, "Search API error (p): 401 - bad key"},
		{"timeout", "q", []SearchProvider{&mockProvider{name: "p", available: true,
			err: context.DeadlineExceeded}}, "Search request timed out (p)"},
		{"other", "q", []SearchProvider{&mockProvider{name: "p", available: true,
			err: errors.New("dns")}}, "Search error: dns"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := search(context.Background(), tc.query, 5, tc.providers)
			if !res.IsError {
				t.Fatalf("expected error result, got %q", res.Text())
			}
			if !strings.Contains(res.Text(), tc.want) {
				t.Fatalf("got %q, want substring %q", res.Text(), tc.want)
			}
		})
	}
}

func TestSearch_ClampsResultCount(t *testing.T) {
	p := &mockProvider{name: "p", available: true}
	for _, tc := range []struct{ in, want int }{{0, 5}, {3, 3}, {50, 10}} {
		search(context.Background(), "q", tc.in, []SearchProvider{p})
		if p.gotN != tc.want {
			t.Errorf("n=%d: provider got %d, want %d", tc.in, p.gotN, tc.want)
		}
	}
}

func TestFormatResults(t *testing.T) {
	got := formatResults([]SearchResult{
		{Title: "AI Summary", Snippet: "short answer"},
		{Title: "Page", URL: "https://p.example"},
	}, "acme")
	want := "## Web Search Results for: acme\n\n### AI Summary\nshort answer\n\n### 2. Page\n**URL:** https://p.example\nNo description available\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatResults(nil, "acme"); got != "No results found for: acme" {
		t.Fatalf("empty: %q", got)
	}
}

func TestTavilyProvider_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["api_key"] != "tvly-key" || req["query"] != "acme earnings" || req["search_depth"] != "advanced" {
			t.Errorf("unexpected request: %v", req)
		}
		if req["max_results"] != float64(2) {
			t.Errorf("max_results = %v", req["max_results"])
		}
		w.Write([]byte(`{"answer":"Revenue up.","results":[{"title":"A","url":"https://a","content":"a"},{"title":"B","url":"https://b","content":"b"}]}`))
	}))
	defer srv.Close()

	p := NewTavilyProvider("tvly-key")
	p.endpoint = srv.URL
	results, err := p.Search(context.Background(), "acme earnings", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "AI Summary" || results[0].URL != "" || results[0].Snippet != "Revenue up." {
		t.Fatalf("summary result: %+v", results[0])
	}
	if results[1].URL != "https://a" {
		t.Fatalf("second result: %+v", results[1])
	}
}

func TestSerpAPIProvider_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("engine") != "google" || q.Get("num") != "3" || q.Get("api_key") != "serp" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"organic_results":[{"title":"G","link":"https://g","snippet":"g"}]}`))
	}))
	defer srv.Close()

	p := NewSerpAPIProvider("serp")
	p.endpoint = srv.URL
	results, err := p.Search(context.Background(), "x", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://g" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestBraveProvider_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "brave" {
			t.Errorf("missing subscription token")
		}
		if r.URL.Query().Get("count") != "5" {
			t.Errorf("count = %q", r.URL.Query().Get("count"))
		}
		w.Write([]byte(`{"web":{"results":[{"title":"B","url":"https://b","description":"desc"}]}}`))
	}))
	defer srv.Close()

	p := NewBraveProvider("brave")
	p.endpoint = srv.URL
	results, err := p.Search(context.Background(), "x", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Snippet != "desc" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewBraveProvider("brave")
	p.endpoint = srv.URL
	_, err := p.Search(context.Background(), "x", 5)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.Status != http.StatusTooManyRequests || !strings.Contains(statusErr.Body, "quota") {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestParseBraveJSON_InvalidJSON(t *testing.T) {
	if _, err := parseBraveJSON([]byte("not json"), 5); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSearchProviders_Order(t *testing.T) {
	keys := func(name string) string { return "k" }
	names := func(ps []SearchProvider) string {
		var out []string
		for _, p := range ps {
			out = append(out, p.Name())
		}
		return strings.Join(out, ",")
	}

	tests := []struct {
		preferred string
		want      string
	}{
		{"", "tavily_search,serpapi_search,brave_search"},
		{"brave_search", "brave_search,tavily_search,serpapi_search"},
		{"duckduckgo", "duckduckgo,tavily_search,serpapi_search,brave_search"},
		{"unknown", "tavily_search,serpapi_search,brave_search"},
	}
	for _, tc := range tests {
		if got := names(SearchProviders(keys, tc.preferred)); got != tc.want {
			t.Errorf("preferred=%q: got %s, want %s", tc.preferred, got, tc.want)
		}
	}
}
