package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"deepresearch/internal/logging"
)

// TavilyClient implements Provider against the Tavily search API.
type TavilyClient struct {
	apiKey      string
	baseURL     string
	maxResults  int
	includeRaw  bool
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// TavilyConfig holds configuration for the Tavily client.
type TavilyConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	IncludeRaw bool
	Timeout    time.Duration
}

// DefaultTavilyConfig returns sensible defaults.
func DefaultTavilyConfig(apiKey string) TavilyConfig {
	return TavilyConfig{
		APIKey:     apiKey,
		BaseURL:    "https://api.tavily.com",
		MaxResults: 3,
		IncludeRaw: true,
		Timeout:    30 * time.Second,
	}
}

// NewTavilyClient creates a Tavily client with default config.
func NewTavilyClient(apiKey string) *TavilyClient {
	return NewTavilyClientWithConfig(DefaultTavilyConfig(apiKey))
}

// NewTavilyClientWithConfig creates a Tavily client with custom config.
func NewTavilyClientWithConfig(config TavilyConfig) *TavilyClient {
	return &TavilyClient{
		apiKey:     config.APIKey,
		baseURL:    config.BaseURL,
		maxResults: config.MaxResults,
		includeRaw: config.IncludeRaw,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// tavilyRequest is the /search request body.
type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	Topic             string `json:"topic"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

// tavilyResponse is the /search response body.
type tavilyResponse struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Search executes one query. HTTP 429 maps to ErrRateLimited, a missed
// deadline maps to ErrTimeout; both keep the batch alive upstream.
func (c *TavilyClient) Search(ctx context.Context, query string) ([]Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("search API key not configured")
	}

	// Rate limiting: at least 200ms between requests
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 200*time.Millisecond {
		time.Sleep(200*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	timer := logging.StartTimer(logging.CategorySearch, fmt.Sprintf("search %q", query))
	defer timer.StopWithThreshold(10 * time.Second)

	reqBody := tavilyRequest{
		APIKey:            c.apiKey,
		Query:             query,
		MaxResults:        c.maxResults,
		Topic:             "general",
		IncludeRawContent: c.includeRaw,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/search", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("query %q: %w", query, ErrTimeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("query %q: %w", query, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	logging.SearchDebug("query %q returned %d results", query, len(parsed.Results))
	return parsed.Results, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
