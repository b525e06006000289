package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/nakari/internal/llm"
	"github.com/nugget/nakari/internal/prompts"
	"github.com/nugget/nakari/internal/transcript"
)

type compressArgs struct {
	Instructions string `json:"instructions" jsonschema:"Instructions on what to preserve and what to discard"`
}

// RegisterContextTools registers compress_context, which replaces the
// transcript with an LLM-written summary of it.
func RegisterContextTools(r *Registry, ctxMgr *transcript.Manager, client llm.Client, model string) {
	r.Register(MustTypedTool("compress_context",
		"Actively compress the current conversation context. "+
			"Provide instructions on what information to preserve and what can be discarded. "+
			"A summary will replace the current context.",
		func(ctx context.Context, args compressArgs) (any, error) {
			current := ctxMgr.RecentText()
			if strings.TrimSpace(current) == "" {
				return "Nothing to compress, context is already minimal.", nil
			}

			resp, err := client.Chat(ctx, model, []llm.Message{
				{Role: llm.RoleSystem, Content: prompts.CompactionSystem},
				{Role: llm.RoleUser, Content: prompts.CompactionRequest(args.Instructions, current)},
			}, nil)
			if err != nil {
				return nil, fmt.Errorf("summarize context: %w", err)
			}

			summary := strings.TrimSpace(resp.Message.Content)
			if summary == "" {
				return nil, errors.New("summarize context: model returned an empty summary, context left unchanged")
			}

			ctxMgr.ActiveCompress(summary)
			return fmt.Sprintf("Context compressed. New token count: %d", ctxMgr.CountTokens()), nil
		},
	))
}
