package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/nakari/internal/httpkit"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily implements the Provider interface for the Tavily search API.
type Tavily struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewTavily creates a Tavily provider.
func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		apiKey:     apiKey,
		endpoint:   tavilyEndpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	APIKey     string `json:"api_key"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.Count
	if count == 0 {
		count = 5
	}

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: count, APIKey: t.apiKey})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("tavily: HTTP %d: %s", resp.StatusCode, errBody)
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	results := make([]Result, 0, len(tr.Results))
	for _, r := range tr.Results {
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}
	return results, nil
}
