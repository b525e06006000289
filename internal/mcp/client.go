package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/nakari/internal/buildinfo"
	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/httpkit"
)

// session is the part of *mcp.ClientSession the client uses.
type session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// ToolDefinition describes a tool advertised by a server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Client is a connection to a single MCP server.
type Client struct {
	name    string
	session session
	logger  *slog.Logger
}

// Connect starts or dials the server described by cfg and completes
// the MCP handshake.
func Connect(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
	}

	impl := &mcp.Implementation{Name: "nakari", Version: buildinfo.Version}
	sess, err := mcp.NewClient(impl, nil).Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", cfg.Name, err)
	}

	logger.Info("mcp server connected", "server", cfg.Name)
	return newClient(cfg.Name, sess, logger), nil
}

func newClient(name string, sess session, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: name, session: sess, logger: logger}
}

func newTransport(cfg config.MCPServerConfig) (mcp.Transport, error) {
	switch {
	case cfg.Command != "":
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case cfg.URL != "":
		return &mcp.StreamableClientTransport{
			Endpoint: cfg.URL,
			// Streams stay open for the life of the session.
			HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		}, nil
	default:
		return nil, errors.New("command or url is required")
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// ListTools returns every tool the server advertises, following
// pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		defs   []ToolDefinition
		params = &mcp.ListToolsParams{}
	)
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			schema, err := schemaMap(t.InputSchema)
			if err != nil {
				c.logger.Warn("mcp tool schema unreadable, using empty object",
					"server", c.name, "tool", t.Name, "error", err)
				schema = map[string]any{"type": "object"}
			}
			defs = append(defs, ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
		if res.NextCursor == "" {
			return defs, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes a tool and flattens its text content into one
// string. A result flagged as an error by the server is returned as
// an error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}
	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s: %s", name, text)
	}
	return text, nil
}

// Close ends the session, stopping the subprocess if there is one.
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close mcp server %s: %w", c.name, err)
	}
	return nil
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, block := range content {
		switch b := block.(type) {
		case *mcp.TextContent:
			parts = append(parts, b.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", b.MIMEType, len(b.Data)))
		case *mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s, %d bytes]", b.MIMEType, len(b.Data)))
		case *mcp.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource %s]", b.URI))
		}
	}
	return strings.Join(parts, "\n")
}
