package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"

	"github.com/courierai/courier/internal/prune"
)

// extractor fetches result pages and reduces them to budgeted markdown.
type extractor struct {
	httpClient   *http.Client
	fetchTimeout time.Duration
	concurrency  int
	charBudget   int
}

func newExtractor(client *http.Client, fetchTimeout time.Duration, concurrency, charBudget int) *extractor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 6 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	if charBudget <= 0 {
		charBudget = 4000
	}
	return &extractor{
		httpClient:   client,
		fetchTimeout: fetchTimeout,
		concurrency:  concurrency,
		charBudget:   charBudget,
	}
}

// enrich extracts page content for results in place, at most concurrency
// fetches in flight. Failed extractions leave the result's snippet as-is.
func (e *extractor) enrich(ctx context.Context, results []Result) {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i := range results {
		if results[i].URL == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(r *Result) {
			defer wg.Done()
			defer func() { <-sem }()
			content, err := e.extract(ctx, r.URL)
			if err == nil && content != "" {
				r.Content = content
			}
		}(&results[i])
	}
	wg.Wait()
}

func (e *extractor) extract(ctx context.Context, pageURL string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return "", fmt.Errorf("unsupported content type %s", contentType)
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, 2<<20), parsedURL)
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}

	text, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(text) == "" {
		text = article.TextContent
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	return prune.Clip(text, "page body", e.charBudget, 200), nil
}
