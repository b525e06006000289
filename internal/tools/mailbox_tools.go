package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
)

// MailboxDeps are the collaborators of the mailbox tool family.
type MailboxDeps struct {
	Mailbox             *mailbox.Mailbox
	State               *mailbox.LoopState
	DefaultMaxToolCalls int
	Bus                 *events.Bus
	Logger              *slog.Logger
}

type mailboxListArgs struct {
	Status *string `json:"status,omitempty" jsonschema:"Filter by event status. Null returns all."`
}

type attachmentArg struct {
	MimeType string          `json:"mime_type" jsonschema:"MIME type, e.g. audio/wav"`
	URI      string          `json:"uri" jsonschema:"File path or URL"`
	Metadata *map[string]any `json:"metadata,omitempty" jsonschema:"Optional attachment metadata. Null for none."`
}

type mailboxAddArgs struct {
	Type         string           `json:"type" jsonschema:"Event type."`
	Content      string           `json:"content" jsonschema:"Event content/description."`
	Priority     *int             `json:"priority,omitempty" jsonschema:"Priority (higher = more important). Null defaults to 0."`
	MaxToolCalls *int             `json:"max_tool_calls,omitempty" jsonschema:"Tool call budget. Null for default."`
	Attachments  *[]attachmentArg `json:"attachments,omitempty" jsonschema:"Optional file attachments."`
}

type mailboxUpdateArgs struct {
	EventID      string  `json:"event_id" jsonschema:"ID of the event to update."`
	Content      *string `json:"content,omitempty" jsonschema:"New content. Null to keep current."`
	Priority     *int    `json:"priority,omitempty" jsonschema:"New priority. Null to keep current."`
	Status       *string `json:"status,omitempty" jsonschema:"New status. Null to keep current."`
	SuspendNotes *string `json:"suspend_notes,omitempty" jsonschema:"Progress notes. Null to keep current."`
	Metadata     *string `json:"metadata,omitempty" jsonschema:"JSON string of metadata fields to merge. Null to keep current."`
}

type eventIDArgs struct {
	EventID string `json:"event_id" jsonschema:"ID of the event."`
}

type mailboxDoneArgs struct {
	Summary string `json:"summary" jsonschema:"Brief summary of what was done."`
}

type noArgs struct{}

// RegisterMailboxTools registers the tools through which the model
// drives its own queue: list, add, update, delete, pick, done and wait.
func RegisterMailboxTools(r *Registry, d MailboxDeps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mb, state := d.Mailbox, d.State

	r.Register(MustTypedTool("mailbox_list",
		"List all events in the mailbox. Optionally filter by status. Returns events sorted by priority (desc) then time (asc).",
		func(_ context.Context, args mailboxListArgs) (any, error) {
			var status mailbox.Status
			if args.Status != nil {
				status = mailbox.Status(*args.Status)
			}
			return mb.List(status), nil
		},
		Enum("status", "pending", "processing", "suspended"),
	))

	r.Register(MustTypedTool("mailbox_add",
		"Create a new event and add it to the mailbox.",
		func(_ context.Context, args mailboxAddArgs) (any, error) {
			typ, err := mailbox.ParseType(args.Type)
			if err != nil {
				return nil, err
			}
			budget := d.DefaultMaxToolCalls
			if args.MaxToolCalls != nil && *args.MaxToolCalls > 0 {
				budget = *args.MaxToolCalls
			}
			ev := mailbox.NewEvent(typ, args.Content, budget)
			if args.Priority != nil {
				ev.Priority = *args.Priority
			}
			if args.Attachments != nil {
				for _, a := range *args.Attachments {
					meta := map[string]any{}
					if a.Metadata != nil && *a.Metadata != nil {
						meta = *a.Metadata
					}
					ev.Attachments = append(ev.Attachments, mailbox.Attachment{
						MimeType: a.MimeType,
						URI:      a.URI,
						Metadata: meta,
					})
				}
			}
			mb.Put(ev)
			return map[string]any{"created": ev.ID, "priority": ev.Priority}, nil
		},
		Enum("type", "user_text", "self_created", "timer", "system"),
	))

	r.Register(MustTypedTool("mailbox_update",
		"Update fields of an existing event. Pass only the fields you want to change; others remain unchanged.",
		func(_ context.Context, args mailboxUpdateArgs) (any, error) {
			if _, ok := mb.Get(args.EventID); !ok {
				return fmt.Sprintf("Error: Event %s not found.", args.EventID), nil
			}

			p := mailbox.Patch{
				Content:      args.Content,
				Priority:     args.Priority,
				SuspendNotes: args.SuspendNotes,
			}
			if args.Status != nil {
				st, err := mailbox.ParseStatus(*args.Status)
				if err != nil {
					return nil, err
				}
				if st == mailbox.StatusProcessing {
					return nil, fmt.Errorf("status %q cannot be set by update; use mailbox_pick to start processing an event", st)
				}
				p.Status = &st
			}
			if args.Metadata != nil {
				var meta map[string]any
				if err := json.Unmarshal([]byte(*args.Metadata), &meta); err != nil {
					return nil, fmt.Errorf("metadata is not a JSON object: %w", err)
				}
				p.Metadata = meta
			}

			ev, ok := mb.Update(args.EventID, p)
			if !ok {
				return fmt.Sprintf("Error: Event %s not found.", args.EventID), nil
			}

			if ev.ID == state.CurrentID() {
				if ev.Status != mailbox.StatusProcessing {
					state.Clear()
					d.Logger.Info("current event released by update",
						"event_id", ev.ID, "status", ev.Status)
				} else {
					state.Refresh(ev)
				}
			}
			return ev, nil
		},
		Enum("status", "pending", "suspended"),
	))

	r.Register(MustTypedTool("mailbox_delete",
		"Delete an event from the mailbox.",
		func(_ context.Context, args eventIDArgs) (any, error) {
			if !mb.Delete(args.EventID) {
				return fmt.Sprintf("Error: Event %s not found.", args.EventID), nil
			}
			if state.CurrentID() == args.EventID {
				state.Clear()
			}
			return fmt.Sprintf("Event %s deleted.", args.EventID), nil
		},
	))

	r.Register(MustTypedTool("mailbox_pick",
		"Pick an event to start processing. Sets it as your current event and starts the tool call budget.",
		func(_ context.Context, args eventIDArgs) (any, error) {
			if cur := state.CurrentID(); cur != "" {
				return fmt.Sprintf("Error: Already processing event %s. Call mailbox_done first.", cur), nil
			}
			processing := mailbox.StatusProcessing
			ev, ok := mb.Update(args.EventID, mailbox.Patch{Status: &processing})
			if !ok {
				return fmt.Sprintf("Error: Event %s not found.", args.EventID), nil
			}
			state.SetCurrent(ev)
			d.Logger.Info("event picked",
				"event_id", ev.ID,
				"type", ev.Type,
				"max_tool_calls", ev.MaxToolCalls,
			)
			d.Bus.Emit(events.SourceMailbox, events.KindEventPicked, map[string]any{
				"event_id": ev.ID,
				"budget":   ev.MaxToolCalls,
			})
			return ev, nil
		},
	))

	r.Register(MustTypedTool("mailbox_done",
		"Mark the current event as completed and archive it.",
		func(_ context.Context, args mailboxDoneArgs) (any, error) {
			cur, ok := state.Current()
			if !ok {
				return "Error: No event currently being processed.", nil
			}
			ev := cur
			if live, ok := mb.Get(cur.ID); ok {
				ev = live
			}
			if ev.Metadata == nil {
				ev.Metadata = map[string]any{}
			}
			ev.Metadata["completion_summary"] = args.Summary
			mb.Archive(ev)
			calls := state.Count()
			state.Clear()
			d.Logger.Info("event completed", "event_id", ev.ID, "tool_calls", calls)
			d.Bus.Emit(events.SourceMailbox, events.KindEventDone, map[string]any{
				"event_id":   ev.ID,
				"tool_calls": calls,
			})
			return fmt.Sprintf("Event %s completed and archived.", ev.ID), nil
		},
	))

	r.Register(MustTypedTool("mailbox_wait",
		"Wait until new events arrive in the mailbox. Use this when the mailbox is empty and you have nothing to process. Blocks until at least one pending event is available, then returns them.",
		func(ctx context.Context, _ noArgs) (any, error) {
			d.Bus.Emit(events.SourceMailbox, events.KindIdle, nil)
			if err := mb.WaitForPending(ctx); err != nil {
				return nil, err
			}
			pending := mb.List(mailbox.StatusPending)
			return map[string]any{"pending_count": len(pending), "events": pending}, nil
		},
	))
}
