package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"deepresearch/internal/logging"
)

// maxPageText caps extracted page text so one huge page cannot dominate the
// summarization prompt.
const maxPageText = 20000

// PageFetcher pulls a result URL and extracts readable text. It is strictly
// best-effort: any failure falls back to the snippet upstream.
type PageFetcher struct {
	httpClient *http.Client
}

// NewPageFetcher creates a fetcher with a bounded redirect chain.
func NewPageFetcher(timeout time.Duration) *PageFetcher {
	return &PageFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// FetchText downloads url and returns its visible text content.
func (f *PageFetcher) FetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "deepresearch/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", url, err)
	}

	text := extractText(doc)
	if len(text) > maxPageText {
		text = text[:maxPageText]
	}
	logging.SearchDebug("fetched %s (%d chars)", url, len(text))
	return text, nil
}

// extractText walks the DOM collecting text nodes, skipping markup that
// never carries prose.
func extractText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe", "svg":
				return
			}
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				b.WriteString(trimmed)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
