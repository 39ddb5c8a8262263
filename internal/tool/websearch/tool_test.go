package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/courierai/courier/internal/config"
)

func resultPageHTML(title, target, snippet string) string {
	redirect := "//duckduckgo.com/l/?uddg=" + url.QueryEscape(target)
	return fmt.Sprintf(`<div class="result">
		<a rel="nofollow" class="result__a" href="%s">%s</a>
		<a class="result__snippet" href="%s">%s</a>
	</div>`, redirect, title, redirect, snippet)
}

func newTestTool(t *testing.T, searchHTML string, instantJSON string) (*Tool, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/html/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>"+searchHTML+"</body></html>")
	})
	mux.HandleFunc("/ia", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, instantJSON)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><article><h1>Example Page</h1><p>`+
			strings.Repeat("Body text about the topic. ", 20)+
			`</p></article></body></html>`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	tool := New(log, config.SearchConfig{MaxResults: 5, PageCharBudget: 2000, TotalCharBudget: 8000})
	tool.searcher.searchURL = ts.URL + "/html/"
	tool.searcher.instantURL = ts.URL + "/ia"
	return tool, ts
}

func TestToolReturnsPrimaryResults(t *testing.T) {
	t.Parallel()

	// The search response links to /page on the same test server so the
	// extractor has something real to fetch.
	var pageURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/html/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>"+resultPageHTML("First Hit", pageURL, "A snippet about it")+"</body></html>")
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><article><h1>Example Page</h1><p>`+
			strings.Repeat("Body text about the topic. ", 20)+
			`</p></article></body></html>`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	pageURL = ts.URL + "/page"

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	tool := New(log, config.SearchConfig{MaxResults: 5, PageCharBudget: 2000, TotalCharBudget: 8000})
	tool.searcher.searchURL = ts.URL + "/html/"
	tool.searcher.instantURL = ts.URL + "/ia"

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"topic"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out, "First Hit") {
		t.Fatalf("expected result title in output, got %q", out)
	}
	if !strings.Contains(out, pageURL) {
		t.Fatalf("expected unwrapped redirect url in output, got %q", out)
	}
	if !strings.Contains(out, "A snippet about it") {
		t.Fatalf("expected snippet in output, got %q", out)
	}
}

func TestToolCachesResults(t *testing.T) {
	t.Parallel()

	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/html/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body>`+resultPageHTML("Cached Hit", "https://example.com/x", "snippet")+`</body></html>`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	tool := New(log, config.SearchConfig{TotalCharBudget: 8000})
	tool.searcher.searchURL = ts.URL + "/html/"
	tool.searcher.instantURL = ts.URL + "/ia"

	args := json.RawMessage(`{"query":"cached topic"}`)
	first, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical cached output")
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream search, got %d", calls)
	}
}

func TestToolFallsBackToInstantAnswer(t *testing.T) {
	t.Parallel()

	instant := `{"Heading":"Go","AbstractText":"Go is a programming language.","AbstractURL":"https://go.dev"}`
	tool, _ := newTestTool(t, "", instant)

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out, "Go is a programming language.") {
		t.Fatalf("expected instant answer abstract, got %q", out)
	}
}

func TestToolNoResults(t *testing.T) {
	t.Parallel()

	tool, _ := newTestTool(t, "", `{}`)
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"nothing anywhere"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != noResultsText {
		t.Fatalf("expected %q, got %q", noResultsText, out)
	}
}

func TestToolRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	tool, _ := newTestTool(t, "", `{}`)
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"  "}`)); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestParseResultsHTMLUnwrapsRedirectsAndStripsTags(t *testing.T) {
	t.Parallel()

	page := resultPageHTML("<b>Bold</b> Title", "https://example.com/a", "some <i>styled</i> snippet") +
		resultPageHTML("Second", "https://example.com/b", "more text") +
		resultPageHTML("Third", "https://example.com/c", "even more")

	results := parseResultsHTML(page, 2)
	if len(results) != 2 {
		t.Fatalf("expected max to cap results, got %d", len(results))
	}
	if results[0].Title != "Bold Title" {
		t.Fatalf("expected tags stripped from title, got %q", results[0].Title)
	}
	if results[0].URL != "https://example.com/a" {
		t.Fatalf("expected redirect unwrapped, got %q", results[0].URL)
	}
	if results[0].Snippet != "some styled snippet" {
		t.Fatalf("expected tags stripped from snippet, got %q", results[0].Snippet)
	}
}

func TestResolveRedirect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{raw: "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage", want: "https://example.com/page"},
		{raw: "https://example.com/direct", want: "https://example.com/direct"},
		{raw: "javascript:alert(1)", want: ""},
	}
	for _, tc := range cases {
		if got := resolveRedirect(tc.raw); got != tc.want {
			t.Fatalf("resolveRedirect(%q)=%q want %q", tc.raw, got, tc.want)
		}
	}
}
