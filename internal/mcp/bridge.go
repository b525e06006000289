package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeTools discovers tools from an MCP client and registers them on
// the given tool registry. Tool names are namespaced as
// "mcp_{server}_{tool}" to avoid collisions with native tools.
//
// The include and exclude lists control which MCP tools are bridged:
//   - If include is non-empty, only tools whose MCP names appear in it are registered.
//   - Otherwise tools whose MCP names appear in exclude are skipped.
//
// BridgeTools returns the number of tools registered.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(client.Name(), td.Name)
		registry.Register(bridgeTool(client, name, td))
		count++

		logger.Debug("bridged mcp tool",
			"mcp_name", td.Name,
			"tool", name,
			"server", client.Name(),
		)
	}

	return count, nil
}

// ConnectAll connects every configured server and bridges its tools.
// A server that fails to connect is logged and skipped so one broken
// server does not keep the agent from starting. The returned clients
// must be closed by the caller.
func ConnectAll(ctx context.Context, servers []config.MCPServerConfig, registry *tools.Registry, logger *slog.Logger) []*Client {
	if logger == nil {
		logger = slog.Default()
	}
	var clients []*Client
	for _, s := range servers {
		c, err := Connect(ctx, s, logger)
		if err != nil {
			logger.Error("mcp server unavailable", "server", s.Name, "error", err)
			continue
		}
		n, err := BridgeTools(ctx, c, registry, s.Include, s.Exclude, logger)
		if err != nil {
			logger.Error("mcp tool discovery failed", "server", s.Name, "error", err)
			_ = c.Close()
			continue
		}
		logger.Info("mcp tools bridged", "server", s.Name, "count", n)
		clients = append(clients, c)
	}
	return clients
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// bridgeTool creates a tool that proxies calls to an MCP server under
// the tool's original name.
func bridgeTool(client *Client, name string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args map[string]any
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			return client.CallTool(ctx, mcpName, args)
		},
	}
}

// schemaMap converts whatever form the SDK decoded a tool's input
// schema into a plain map for the registry.
func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"type": "object"}, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{"type": "object"}
	}
	return m, nil
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
