package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/nakari/internal/timer"
)

type createTimerArgs struct {
	Name            string  `json:"name" jsonschema:"Human-readable name for the timer"`
	TimerType       string  `json:"timer_type" jsonschema:"Timer type: 'interval' for recurring, 'once' for one-shot"`
	Content         string  `json:"content" jsonschema:"The event content/instruction when the timer fires"`
	IntervalSeconds *int    `json:"interval_seconds,omitempty" jsonschema:"Seconds between fires (required for interval type, null for once)"`
	FireAt          *string `json:"fire_at,omitempty" jsonschema:"ISO 8601 datetime for one-shot timers (e.g. '2026-02-17T09:00:00'). Null for interval type."`
	MaxToolCalls    *int    `json:"max_tool_calls,omitempty" jsonschema:"Tool call budget for the generated event (default 15)"`
}

type deleteTimerArgs struct {
	TimerID string `json:"timer_id" jsonschema:"The ID of the timer to delete"`
}

type listTimersArgs struct {
	IncludeDisabled *bool `json:"include_disabled,omitempty" jsonschema:"Whether to include disabled/fired one-shot timers (default false)"`
}

// fireAtLayouts are the accepted fire_at forms. Values without a zone
// are read in the local time zone.
var fireAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseFireAt(s string) (time.Time, error) {
	for _, layout := range fireAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid fire_at %q: want ISO 8601 like 2026-02-17T09:00:00", s)
}

// RegisterTimerTools registers create_timer, delete_timer and
// list_timers over store. It is a no-op when store is nil.
func RegisterTimerTools(r *Registry, store *timer.Store) {
	if store == nil {
		return
	}

	r.Register(MustTypedTool("create_timer",
		"Create a persistent timer that fires events into the mailbox. "+
			"Use timer_type 'interval' for recurring timers (e.g. every 30 minutes) "+
			"or 'once' for one-shot timers at a specific datetime. "+
			"When the timer fires, an event with the given content will be enqueued.",
		func(_ context.Context, args createTimerArgs) (any, error) {
			spec := timer.Spec{
				Name:            args.Name,
				Type:            timer.Kind(args.TimerType),
				Content:         args.Content,
				IntervalSeconds: args.IntervalSeconds,
			}
			if args.MaxToolCalls != nil {
				spec.MaxToolCalls = *args.MaxToolCalls
			}
			if args.FireAt != nil && *args.FireAt != "" {
				at, err := parseFireAt(*args.FireAt)
				if err != nil {
					return nil, err
				}
				spec.FireAt = &at
			}
			return store.Create(spec)
		},
		Enum("timer_type", string(timer.KindInterval), string(timer.KindOnce)),
		Minimum("interval_seconds", 1),
		Minimum("max_tool_calls", 1),
	))

	r.Register(MustTypedTool("delete_timer",
		"Delete a timer by its ID. The timer will no longer fire.",
		func(_ context.Context, args deleteTimerArgs) (any, error) {
			deleted, err := store.Delete(args.TimerID)
			if err != nil {
				return nil, err
			}
			status := "deleted"
			if !deleted {
				status = "not_found"
			}
			return map[string]string{"status": status, "timer_id": args.TimerID}, nil
		},
	))

	r.Register(MustTypedTool("list_timers",
		"List all timers. By default only shows enabled (active) timers. "+
			"Set include_disabled=true to also see fired one-shot timers.",
		func(_ context.Context, args listTimersArgs) (any, error) {
			timers, err := store.List(args.IncludeDisabled != nil && *args.IncludeDisabled)
			if err != nil {
				return nil, err
			}
			if timers == nil {
				timers = []*timer.Timer{}
			}
			return timers, nil
		},
	))
}
