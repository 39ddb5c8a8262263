package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchURL  = "https://html.duckduckgo.com/html/"
	defaultInstantURL = "https://api.duckduckgo.com/"

	userAgent = "Mozilla/5.0 (compatible; CourierBot/1.0)"
)

// Result is one search hit, optionally enriched with extracted page text.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Content string
}

// searcher queries the DuckDuckGo HTML endpoint for primary results and
// the instant-answer API as the fallback.
type searcher struct {
	httpClient *http.Client
	searchURL  string
	instantURL string
}

func newSearcher(client *http.Client) *searcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &searcher{
		httpClient: client,
		searchURL:  defaultSearchURL,
		instantURL: defaultInstantURL,
	}
}

var (
	resultLinkRe    = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	tagRe           = regexp.MustCompile(`<[^>]+>`)
)

// search runs the primary HTML search and returns up to max results.
func (s *searcher) search(ctx context.Context, query string, max int) ([]Result, error) {
	form := url.Values{}
	form.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.searchURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return parseResultsHTML(string(body), max), nil
}

func parseResultsHTML(page string, max int) []Result {
	links := resultLinkRe.FindAllStringSubmatch(page, -1)
	snippets := resultSnippetRe.FindAllStringSubmatch(page, -1)

	var results []Result
	for i, link := range links {
		if max > 0 && len(results) >= max {
			break
		}
		target := resolveRedirect(html.UnescapeString(link[1]))
		if target == "" {
			continue
		}
		result := Result{
			Title: cleanHTMLText(link[2]),
			URL:   target,
		}
		if i < len(snippets) {
			result.Snippet = cleanHTMLText(snippets[i][1])
		}
		results = append(results, result)
	}
	return results
}

// resolveRedirect unwraps the uddg redirect parameter the HTML endpoint
// wraps result links in.
func resolveRedirect(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	if parsed.Scheme == "http" || parsed.Scheme == "https" {
		return raw
	}
	return ""
}

func cleanHTMLText(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// instantAnswer queries the instant-answer API. Used when the primary
// search yields nothing.
func (s *searcher) instantAnswer(ctx context.Context, query string) ([]Result, error) {
	endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1", s.instantURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build instant answer request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instant answer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("instant answer returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read instant answer: %w", err)
	}

	var payload struct {
		Heading       string `json:"Heading"`
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Answer        string `json:"Answer"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse instant answer: %w", err)
	}

	var results []Result
	if payload.Answer != "" {
		results = append(results, Result{Title: payload.Heading, Snippet: payload.Answer})
	}
	if payload.AbstractText != "" {
		results = append(results, Result{
			Title:   payload.Heading,
			URL:     payload.AbstractURL,
			Snippet: payload.AbstractText,
		})
	}
	for _, topic := range payload.RelatedTopics {
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		results = append(results, Result{Title: topic.Text, URL: topic.FirstURL, Snippet: topic.Text})
		if len(results) >= 5 {
			break
		}
	}
	return results, nil
}
