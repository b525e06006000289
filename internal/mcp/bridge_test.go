package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/tools"
)

type fakeSession struct {
	mu     sync.Mutex
	pages  []*mcp.ListToolsResult
	result *mcp.CallToolResult
	err    error
	calls  []*mcp.CallToolParams
	closed bool
}

func (f *fakeSession) ListTools(_ context.Context, p *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p.Cursor == "" {
		return f.pages[0], nil
	}
	return f.pages[1], nil
}

func (f *fakeSession) CallTool(_ context.Context, p *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func threeTools() *fakeSession {
	obj := map[string]any{"type": "object"}
	return &fakeSession{pages: []*mcp.ListToolsResult{{
		Tools: []*mcp.Tool{
			{Name: "get_forecast", Description: "Forecast", InputSchema: obj},
			{Name: "get-alerts", Description: "Alerts", InputSchema: obj},
			{Name: "set_units", Description: "Units", InputSchema: obj},
		},
	}}}
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"weather-station", "get_forecast", "mcp_weather_station_get_forecast"},
		{"github", "create_issue", "mcp_github_create_issue"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"special!chars", "special_chars"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitize(tt.input)
			if got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBridgeTools_Filters(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name: "all",
			want: []string{"mcp_wx_get_alerts", "mcp_wx_get_forecast", "mcp_wx_set_units"},
		},
		{
			name:    "include",
			include: []string{"get_forecast", "get-alerts"},
			want:    []string{"mcp_wx_get_alerts", "mcp_wx_get_forecast"},
		},
		{
			name:    "exclude",
			exclude: []string{"set_units"},
			want:    []string{"mcp_wx_get_alerts", "mcp_wx_get_forecast"},
		},
		{
			name:    "include wins over exclude",
			include: []string{"set_units"},
			exclude: []string{"set_units"},
			want:    []string{"mcp_wx_set_units"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient("wx", threeTools(), nil)
			registry := tools.NewRegistry(nil)

			n, err := BridgeTools(context.Background(), client, registry, tt.include, tt.exclude, nil)
			if err != nil {
				t.Fatalf("BridgeTools: %v", err)
			}
			if n != len(tt.want) {
				t.Errorf("count = %d, want %d", n, len(tt.want))
			}
			got := registry.AllToolNames()
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("registered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBridgeTools_ListError(t *testing.T) {
	client := newClient("wx", &fakeSession{err: errors.New("eof")}, nil)
	_, err := BridgeTools(context.Background(), client, tools.NewRegistry(nil), nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "list tools from wx") {
		t.Errorf("err = %v", err)
	}
}

func TestListTools_Pagination(t *testing.T) {
	sess := &fakeSession{pages: []*mcp.ListToolsResult{
		{Tools: []*mcp.Tool{{Name: "a"}}, NextCursor: "p2"},
		{Tools: []*mcp.Tool{{Name: "b", InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)}}},
	}}
	defs, err := newClient("s", sess, nil).ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "a" || defs[1].Name != "b" {
		t.Fatalf("defs = %+v", defs)
	}
	if defs[0].InputSchema["type"] != "object" {
		t.Errorf("missing schema should default to object, got %v", defs[0].InputSchema)
	}
	if _, ok := defs[1].InputSchema["properties"]; !ok {
		t.Errorf("schema = %v, want properties", defs[1].InputSchema)
	}
}

func TestBridgedHandler(t *testing.T) {
	sess := threeTools()
	sess.result = &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: "sunny"},
		&mcp.TextContent{Text: "high of 21"},
	}}
	client := newClient("wx", sess, nil)
	registry := tools.NewRegistry(nil)
	if _, err := BridgeTools(context.Background(), client, registry, nil, nil, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}

	tool, err := registry.Get("mcp_wx_get_forecast")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out, err := tool.Handler(context.Background(), json.RawMessage(`{"city":"Oslo"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if out != "sunny\nhigh of 21" {
		t.Errorf("out = %q", out)
	}

	if len(sess.calls) != 1 || sess.calls[0].Name != "get_forecast" {
		t.Fatalf("calls = %+v, want original MCP name", sess.calls)
	}
	args, _ := sess.calls[0].Arguments.(map[string]any)
	if args["city"] != "Oslo" {
		t.Errorf("arguments = %v", sess.calls[0].Arguments)
	}

	if _, err := tool.Handler(context.Background(), json.RawMessage(`[1]`)); err == nil {
		t.Error("non-object arguments should fail")
	}
}

func TestCallTool_Errors(t *testing.T) {
	sess := &fakeSession{result: &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "unknown city"}},
	}}
	client := newClient("wx", sess, nil)

	_, err := client.CallTool(context.Background(), "get_forecast", nil)
	if err == nil || err.Error() != "get_forecast: unknown city" {
		t.Errorf("tool error = %v", err)
	}

	sess.err = errors.New("broken pipe")
	_, err = client.CallTool(context.Background(), "get_forecast", nil)
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("transport error = %v", err)
	}

	if err := client.Close(); err != nil || !sess.closed {
		t.Errorf("Close() = %v, closed = %v", err, sess.closed)
	}
}

func TestNewTransport(t *testing.T) {
	tr, err := newTransport(config.MCPServerConfig{Name: "x", Command: "wx-server", Args: []string{"--stdio"}, Env: map[string]string{"WX_KEY": "k"}})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	ct, ok := tr.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("transport = %T, want *mcp.CommandTransport", tr)
	}
	if len(ct.Command.Args) != 2 || ct.Command.Args[1] != "--stdio" {
		t.Errorf("args = %v", ct.Command.Args)
	}
	found := false
	for _, kv := range ct.Command.Env {
		if kv == "WX_KEY=k" {
			found = true
		}
	}
	if !found {
		t.Error("configured env not passed to subprocess")
	}

	tr, err = newTransport(config.MCPServerConfig{Name: "y", URL: "http://localhost:9000/mcp"})
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if st, ok := tr.(*mcp.StreamableClientTransport); !ok || st.Endpoint != "http://localhost:9000/mcp" {
		t.Errorf("transport = %#v", tr)
	}

	if _, err := newTransport(config.MCPServerConfig{Name: "z"}); err == nil {
		t.Error("empty config should fail")
	}
}

type echoArgs struct {
	Text string `json:"text"`
}

func TestInMemoryServer(t *testing.T) {
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "echo", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Text}}}, nil, nil
		})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	cs, err := mcp.NewClient(&mcp.Implementation{Name: "nakari-test", Version: "v0"}, nil).Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	client := newClient("echo", cs, nil)
	t.Cleanup(func() { _ = client.Close() })

	registry := tools.NewRegistry(nil)
	n, err := BridgeTools(ctx, client, registry, nil, nil, nil)
	if err != nil || n != 1 {
		t.Fatalf("BridgeTools = %d, %v", n, err)
	}

	res := registry.Execute(ctx, "mcp_echo_echo", `{"text":"hi"}`)
	if res.IsError || res.Output != "echo: hi" {
		t.Errorf("Execute = %+v", res)
	}
}
