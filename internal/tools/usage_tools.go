package tools

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nugget/nakari/internal/usage"
)

type costSummaryArgs struct {
	Period  string  `json:"period" jsonschema:"Time period to summarize."`
	GroupBy *string `json:"group_by,omitempty" jsonschema:"Optional: group results by model, provider, or event_type."`
}

// RegisterCostSummary registers the cost_summary tool for querying
// token usage and API costs. A nil store registers nothing.
func RegisterCostSummary(r *Registry, store *usage.Store) {
	if store == nil {
		return
	}

	r.Register(MustTypedTool("cost_summary",
		"Query your own token usage and API costs. Returns totals and optional breakdown by model, provider, or event type. Use to understand spending patterns and resource consumption.",
		func(ctx context.Context, args costSummaryArgs) (any, error) {
			start, end := parsePeriod(args.Period)

			summary, err := store.Summary(start, end)
			if err != nil {
				return nil, fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Cost Summary (%s):\n", args.Period)
			fmt.Fprintf(&sb, "  Total requests: %d\n", summary.TotalRecords)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(summary.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(summary.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", summary.TotalCostUSD)

			if args.GroupBy != nil && *args.GroupBy != "" {
				grouped, groupLabel, err := queryGrouped(store, *args.GroupBy, start, end)
				if err != nil {
					return nil, err
				}
				if len(grouped) > 0 {
					fmt.Fprintf(&sb, "\nBy %s:\n", groupLabel)
					for _, g := range grouped {
						display := g.key
						if display == "" {
							display = "(none)"
						}
						fmt.Fprintf(&sb, "  %s: $%.4f (%d requests, %s in / %s out)\n",
							display, g.sum.TotalCostUSD, g.sum.TotalRecords,
							formatTokenCount(g.sum.TotalInputTokens),
							formatTokenCount(g.sum.TotalOutputTokens),
						)
					}
				}
			}

			return sb.String(), nil
		},
		Enum("period", "today", "yesterday", "week", "month", "all"),
		Enum("group_by", "model", "provider", "event_type"),
	))
}

type groupedSummary struct {
	key string
	sum *usage.Summary
}

// queryGrouped dispatches the grouped summary query based on the
// group_by parameter and returns the groups most expensive first.
func queryGrouped(store *usage.Store, groupBy string, start, end time.Time) ([]groupedSummary, string, error) {
	var (
		result map[string]*usage.Summary
		label  string
		err    error
	)
	switch groupBy {
	case "model":
		result, err = store.SummaryByModel(start, end)
		label = "Model"
	case "provider":
		result, err = store.SummaryByProvider(start, end)
		label = "Provider"
	case "event_type":
		result, err = store.SummaryByEventType(start, end)
		label = "Event type"
	default:
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	out := make([]groupedSummary, 0, len(result))
	for k, v := range result {
		out = append(out, groupedSummary{key: k, sum: v})
	}
	slices.SortFunc(out, func(a, b groupedSummary) int {
		if c := cmp.Compare(b.sum.TotalCostUSD, a.sum.TotalCostUSD); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	return out, label, nil
}

// parsePeriod converts a period name to a start/end time range.
func parsePeriod(period string) (time.Time, time.Time) {
	now := time.Now()
	end := now.Add(1 * time.Minute) // slight future buffer

	switch period {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, end
	case "yesterday":
		yesterday := now.AddDate(0, 0, -1)
		start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, endOfDay
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
