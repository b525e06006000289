package tools

import (
	"context"
	"fmt"

	"github.com/nugget/nakari/internal/memory"
)

type memoryRememberArgs struct {
	Content string    `json:"content" jsonschema:"The fact, observation or note to remember"`
	Tags    *[]string `json:"tags,omitempty" jsonschema:"Optional tags for later filtering, e.g. person names or topics"`
}

type memoryRecallArgs struct {
	Query string  `json:"query" jsonschema:"What to look for, in natural language"`
	Limit *int    `json:"limit,omitempty" jsonschema:"Maximum number of memories to return (default 5)"`
	Tag   *string `json:"tag,omitempty" jsonschema:"Only return memories carrying this tag"`
}

type memoryForgetArgs struct {
	ID string `json:"id" jsonschema:"ID of the memory to delete"`
}

type embeddingArgs struct {
	Text string `json:"text" jsonschema:"The text to generate an embedding for"`
}

// RegisterMemoryTools registers the long-term memory tools. It is a
// no-op when store is nil.
func RegisterMemoryTools(r *Registry, store *memory.Store) {
	if store == nil {
		return
	}

	r.Register(MustTypedTool("memory_remember",
		"Store something in long-term memory. Memories survive restarts and are found again by meaning with memory_recall.",
		func(ctx context.Context, args memoryRememberArgs) (any, error) {
			var tags []string
			if args.Tags != nil {
				tags = *args.Tags
			}
			m, err := store.Remember(ctx, args.Content, tags)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": m.ID, "tags": m.Tags}, nil
		},
	))

	r.Register(MustTypedTool("memory_recall",
		"Search long-term memory by semantic similarity. Returns the closest memories with their id, tags and similarity.",
		func(ctx context.Context, args memoryRecallArgs) (any, error) {
			var tag string
			if args.Tag != nil {
				tag = *args.Tag
			}
			return store.Recall(ctx, args.Query, intOr(args.Limit, 5), tag)
		},
		Minimum("limit", 1),
	))

	r.Register(MustTypedTool("memory_forget",
		"Delete a memory by its ID.",
		func(ctx context.Context, args memoryForgetArgs) (any, error) {
			ok, err := store.Forget(ctx, args.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return fmt.Sprintf("Error: Memory %s not found.", args.ID), nil
			}
			return fmt.Sprintf("Memory %s forgotten.", args.ID), nil
		},
	))

	r.Register(MustTypedTool("embedding",
		"Generate a vector embedding for the given text.",
		func(ctx context.Context, args embeddingArgs) (any, error) {
			return store.Embed(ctx, args.Text)
		},
	))
}
