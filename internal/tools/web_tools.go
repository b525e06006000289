package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/nakari/internal/fetch"
	"github.com/nugget/nakari/internal/search"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
)

type webSearchArgs struct {
	Query      string  `json:"query" jsonschema:"The search query"`
	MaxResults *int    `json:"max_results,omitempty" jsonschema:"Maximum number of results to return (1-10, default 5)"`
	Provider   *string `json:"provider,omitempty" jsonschema:"Search provider to use. Null for the default."`
}

type webFetchArgs struct {
	URL      string `json:"url" jsonschema:"URL to fetch and extract content from."`
	MaxChars *int   `json:"max_chars,omitempty" jsonschema:"Maximum characters to return. Null for 50000."`
}

// RegisterWebTools registers web_search when mgr has at least one
// provider and web_fetch when f is non-nil.
func RegisterWebTools(r *Registry, mgr *search.Manager, f *fetch.Fetcher) {
	if mgr != nil && mgr.Configured() {
		r.Register(MustTypedTool("web_search",
			"Search the web. Returns a list of results with title, url, content snippet, and relevance score when the provider reports one.",
			func(ctx context.Context, args webSearchArgs) (any, error) {
				query := strings.TrimSpace(args.Query)
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				opts := search.Options{Count: clampResults(args.MaxResults)}

				var results []search.Result
				var err error
				if args.Provider != nil && *args.Provider != "" {
					results, err = mgr.SearchWith(ctx, *args.Provider, query, opts)
				} else {
					results, err = mgr.Search(ctx, query, opts)
				}
				if err != nil {
					return nil, err
				}
				if len(results) > opts.Count {
					results = results[:opts.Count]
				}
				if results == nil {
					results = []search.Result{}
				}
				return results, nil
			},
			Enum("provider", anySlice(mgr.Providers())...),
		))
	}

	if f != nil {
		r.Register(MustTypedTool("web_fetch",
			"Fetch a web page and extract its readable text. Returns url, title, description, content and whether the content was truncated.",
			func(ctx context.Context, args webFetchArgs) (any, error) {
				maxChars := 0
				if args.MaxChars != nil && *args.MaxChars > 0 {
					maxChars = *args.MaxChars
				}
				return f.Fetch(ctx, args.URL, maxChars)
			},
		))
	}
}

func clampResults(n *int) int {
	if n == nil {
		return defaultSearchResults
	}
	return min(max(*n, 1), maxSearchResults)
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
