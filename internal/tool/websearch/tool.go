package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/courierai/courier/internal/config"
	"github.com/courierai/courier/internal/prune"
)

const (
	// noResultsText is what the model sees when every lookup path came
	// back empty. It is a result, not an error.
	noResultsText = "no results"

	cacheTTL     = 5 * time.Minute
	maxCacheSize = 256
)

type cacheEntry struct {
	output    string
	expiresAt time.Time
}

// Tool is the web_search tool: primary search, budgeted page extraction,
// and an instant-answer fallback.
type Tool struct {
	logger    *slog.Logger
	searcher  *searcher
	extractor *extractor

	maxResults  int
	totalBudget int

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

func New(log *slog.Logger, cfg config.SearchConfig) *Tool {
	if log == nil {
		log = slog.Default()
	}
	client := &http.Client{Timeout: 15 * time.Second}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = config.DefaultSearchResults
	}
	totalBudget := cfg.TotalCharBudget
	if totalBudget <= 0 {
		totalBudget = config.DefaultTotalCharBudget
	}
	return &Tool{
		logger:      log.With(slog.String("tool", "web_search")),
		searcher:    newSearcher(client),
		extractor:   newExtractor(client, time.Duration(cfg.FetchTimeoutSecs)*time.Second, cfg.FetchConcurrency, cfg.PageCharBudget),
		maxResults:  maxResults,
		totalBudget: totalBudget,
		cache:       make(map[string]cacheEntry),
	}
}

func (t *Tool) Name() string {
	return "web_search"
}

func (t *Tool) Description() string {
	return "Search the web and return result pages with extracted content. Use for current events or anything outside your training data."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"max_results": {
				"type": "integer",
				"description": "Number of results to return (default 5, max 10)",
				"minimum": 1,
				"maximum": 10
			}
		},
		"required": ["query"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	max := params.MaxResults
	if max <= 0 || max > 10 {
		max = t.maxResults
	}

	cacheKey := fmt.Sprintf("%d:%s", max, params.Query)
	if cached, ok := t.fromCache(cacheKey); ok {
		return cached, nil
	}

	results, err := t.searcher.search(ctx, params.Query, max)
	if err != nil {
		t.logger.Warn("primary search failed", slog.String("query", params.Query), slog.Any("error", err))
	}

	if len(results) > 0 {
		t.extractor.enrich(ctx, results)
		output := t.render(params.Query, results)
		t.putCache(cacheKey, output)
		return output, nil
	}

	fallback, err := t.searcher.instantAnswer(ctx, params.Query)
	if err != nil {
		t.logger.Warn("instant answer fallback failed", slog.String("query", params.Query), slog.Any("error", err))
	}
	if len(fallback) == 0 {
		return noResultsText, nil
	}
	output := t.render(params.Query, fallback)
	t.putCache(cacheKey, output)
	return output, nil
}

func (t *Tool) render(query string, results []Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, r.Title)
		if r.URL != "" {
			fmt.Fprintf(&b, "   %s\n", r.URL)
		}
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
		if r.Content != "" {
			fmt.Fprintf(&b, "\n%s\n", r.Content)
		}
	}
	return prune.Clip(b.String(), "search results", t.totalBudget, 500)
}

func (t *Tool) fromCache(key string) (string, bool) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.output, true
}

func (t *Tool) putCache(key, output string) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	if len(t.cache) >= maxCacheSize {
		return
	}
	t.cache[key] = cacheEntry{output: output, expiresAt: now.Add(cacheTTL)}
}
