// Package search enriches prompts with Google Custom Search results
package search

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

const maxResults = 5

type Result struct {
	Title   string
	Link    string
	Snippet string
	Source  string
}

type Enricher struct {
	EngineID string
	Service  *customsearch.Service
	Log      *zap.SugaredLogger
}

func NewEnricher(engineID, apiKey string, log *zap.SugaredLogger, opts ...option.ClientOption) (*Enricher, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := customsearch.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to google service: %s", err)
	}
	return &Enricher{EngineID: engineID, Service: service, Log: log}, nil
}

func (e *Enricher) Query(ctx context.Context, query string) ([]Result, error) {
	res, err := e.Service.Cse.List().Q(query).Cx(e.EngineID).Num(maxResults).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(res.Items))
	for _, item := range res.Items {
		r := Result{Title: item.Title, Link: item.Link, Snippet: item.Snippet}
		if parsed, err := url.Parse(item.Link); err == nil {
			r.Source = parsed.Hostname()
		}
		results = append(results, r)
	}
	return results, nil
}

// Context returns a system prompt addition with search results for the
// query. Search failures degrade to no enrichment.
func (e *Enricher) Context(ctx context.Context, query string) string {
	if e == nil || e.Service == nil {
		return ""
	}
	if !NeedsSearch(query) {
		return ""
	}
	results, err := e.Query(ctx, query)
	if err != nil {
		e.Log.Warnw("Google search failed, continuing without results", "error", err.Error())
		return ""
	}
	return Format(results)
}

func Format(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Web search results. Use them when they are relevant and cite the links.\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n", i+1, r.Title, r.Link, strings.TrimSpace(r.Snippet))
	}
	return strings.TrimRight(b.String(), "\n")
}

// NeedsSearch skips queries that obviously do not benefit from fresh results
func NeedsSearch(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	noSearchPrefixes := []string{
		"explain ", "define ", "what is the definition",
		"write a ", "write me ", "create a ",
		"translate ", "convert ",
		"calculate ", "compute ", "solve ",
		"debug ", "fix this ", "refactor ",
	}
	for _, prefix := range noSearchPrefixes {
		if strings.HasPrefix(q, prefix) {
			return false
		}
	}
	return true
}
