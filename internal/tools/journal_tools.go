package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/nakari/internal/journal"
)

type journalListArgs struct {
	Limit  *int `json:"limit,omitempty" jsonschema:"Max number of sessions to return (default 10)"`
	Offset *int `json:"offset,omitempty" jsonschema:"Number of sessions to skip (default 0)"`
}

type journalReadArgs struct {
	SessionID string `json:"session_id" jsonschema:"The session ID to read"`
	Limit     *int   `json:"limit,omitempty" jsonschema:"Max number of messages to return (default 50)"`
	Offset    *int   `json:"offset,omitempty" jsonschema:"Number of messages to skip (default 0)"`
}

type journalSearchArgs struct {
	Keyword string `json:"keyword" jsonschema:"The keyword to search for in message content"`
	Limit   *int   `json:"limit,omitempty" jsonschema:"Max number of results to return (default 20)"`
}

type journalQueryArgs struct {
	SQL    string  `json:"sql" jsonschema:"The SQL SELECT query to execute"`
	Params *string `json:"params,omitempty" jsonschema:"Optional JSON array of query parameters for ? placeholders"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// RegisterJournalTools registers the read-only journal tools. It is a
// no-op when store is nil.
func RegisterJournalTools(r *Registry, store *journal.Store) {
	if store == nil {
		return
	}

	r.Register(MustTypedTool("journal_list_sessions",
		"List recent conversation sessions from the journal. "+
			"Each session corresponds to one process run. "+
			"Returns session id, timestamps, and message count.",
		func(ctx context.Context, args journalListArgs) (any, error) {
			return store.ListSessions(ctx, intOr(args.Limit, 10), intOr(args.Offset, 0))
		},
		Minimum("limit", 1),
		Minimum("offset", 0),
	))

	r.Register(MustTypedTool("journal_read_session",
		"Read messages from a specific journal session. "+
			"Use journal_list_sessions first to get session IDs. "+
			"Returns messages in chronological order with role, content, tool calls, and event context.",
		func(ctx context.Context, args journalReadArgs) (any, error) {
			return store.ReadSession(ctx, args.SessionID, intOr(args.Limit, 50), intOr(args.Offset, 0))
		},
		Minimum("limit", 1),
		Minimum("offset", 0),
	))

	r.Register(MustTypedTool("journal_search",
		"Search journal message content by keyword. "+
			"Returns matching messages across all sessions, most recent first.",
		func(ctx context.Context, args journalSearchArgs) (any, error) {
			return store.Search(ctx, args.Keyword, intOr(args.Limit, 20))
		},
		Minimum("limit", 1),
	))

	r.Register(MustTypedTool("journal_query",
		"Execute a read-only SQL query against the journal database. "+
			"Tables: sessions (id, started_at, ended_at), "+
			"messages (id, session_id, role, content, tool_calls, tool_call_id, event_id, created_at). "+
			"Only SELECT statements are allowed.",
		func(ctx context.Context, args journalQueryArgs) (any, error) {
			var params []any
			if args.Params != nil && *args.Params != "" {
				if err := json.Unmarshal([]byte(*args.Params), &params); err != nil {
					return nil, fmt.Errorf("invalid JSON array in params: %w", err)
				}
			}
			return store.Query(ctx, args.SQL, params)
		},
	))
}
