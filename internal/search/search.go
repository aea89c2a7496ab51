// Package search provides web search for sub-agent runners. The production
// provider is Tavily; anything implementing Provider can stand in.
package search

import (
	"context"
	"errors"
)

var (
	// ErrTimeout indicates the provider did not answer within the call
	// deadline.
	ErrTimeout = errors.New("search timed out")

	// ErrRateLimited indicates the provider rejected the call for quota
	// reasons. Callers should back off, not retry immediately.
	ErrRateLimited = errors.New("search rate limited")
)

// Result is one search hit. RawContent is the page text when the provider
// (or the page fetcher) could supply it, otherwise empty.
type Result struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"content"`
	RawContent string `json:"raw_content,omitempty"`
}

// Provider executes a single query and returns ranked results.
type Provider interface {
	Search(ctx context.Context, query string) ([]Result, error)
}
