package tools

import (
	"context"
	"fmt"

	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
	"github.com/nugget/nakari/internal/output"
)

type replyArgs struct {
	Message string `json:"message" jsonschema:"The message to send to the user"`
	Speak   bool   `json:"speak" jsonschema:"If true, the message will also be spoken aloud. Use for conversational replies. Leave false for long outputs, code, or structured data."`
}

// RegisterReplyTool registers reply, the model's only channel to the
// user. Replies are tagged with the event being processed, if any.
func RegisterReplyTool(r *Registry, out *output.Multi, state *mailbox.LoopState, bus *events.Bus) {
	r.Register(MustTypedTool("reply",
		"Send a message to the user. This is the only way to communicate "+
			"with the user. Set speak=true to also read the message aloud via "+
			"text-to-speech.",
		func(ctx context.Context, args replyArgs) (any, error) {
			msg := output.Message{Text: args.Message, Speak: args.Speak}
			if state != nil {
				msg.EventID = state.CurrentID()
			}
			bus.Emit(events.SourceOutput, events.KindReply, map[string]any{
				"event_id": msg.EventID,
				"length":   len(msg.Text),
				"speak":    msg.Speak,
			})
			if err := out.Send(ctx, msg); err != nil {
				return fmt.Sprintf("Reply sent with delivery errors: %v", err), nil
			}
			return "Reply sent.", nil
		},
	))
}
