package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/nakari/internal/httpkit"
)

// OllamaClient is a client for the Ollama /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			// Large local models with tools need time before the
			// first byte.
			httpkit.WithTimeout(timeout),
			httpkit.WithResponseHeaderTimeout(timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// ollamaMessage differs from Message only in tool call arguments, which
// Ollama sends and expects as a JSON object rather than a string.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaWireResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	LoadDuration    int64         `json:"load_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	EvalDuration    int64         `json:"eval_duration,omitempty"`
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			args := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			otc.Function.Arguments = args
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out[i] = om
	}
	return out
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model:         w.Model,
		FinishReason:  w.DoneReason,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
		Message: Message{
			Role:    RoleAssistant,
			Content: w.Message.Content,
		},
	}
	if w.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			resp.CreatedAt = t
		}
	}
	for _, tc := range w.Message.ToolCalls {
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if args == "" || args == "null" {
			args = "{}"
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:       newCallID(),
			Type:     "function",
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return resp
}

// Chat sends a non-streaming chat request to Ollama. Models that write
// tool calls into the content instead of the native field are handled
// by parseTextToolCalls.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	chatResp := wire.toChatResponse()

	if len(chatResp.Message.ToolCalls) == 0 && chatResp.Message.Content != "" {
		if parsed := parseTextToolCalls(chatResp.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("parsed tool calls from content", "model", model, "count", len(parsed))
			chatResp.Message.ToolCalls = parsed
			chatResp.Message.Content = ""
		}
	}

	return chatResp, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// extractToolNames returns the function names from OpenAI-style tool
// definitions, skipping malformed entries.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

var namePrefixedJSON = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s+(\{.*)$`)

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handled formats:
//   - a single object: {"name": "...", "arguments": {...}}
//   - an array of such objects
//   - objects concatenated back to back, optionally followed by prose
//   - any of the above wrapped in <tool_call> tags
//   - tool_name {json arguments}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	valid := make(map[string]bool, len(validTools))
	for _, n := range validTools {
		valid[n] = true
	}
	allowed := func(name string) bool {
		return name != "" && (len(valid) == 0 || valid[name])
	}

	var out []ToolCall
	add := func(name string, args json.RawMessage) {
		if !allowed(name) {
			return
		}
		text := strings.TrimSpace(string(args))
		if text == "" || text == "null" {
			text = "{}"
		}
		out = append(out, ToolCall{
			ID:       newCallID(),
			Type:     "function",
			Function: FunctionCall{Name: name, Arguments: text},
		})
	}

	var arr []textToolCall
	if err := json.Unmarshal([]byte(content), &arr); err == nil && len(arr) > 0 {
		for _, c := range arr {
			add(c.Name, c.Arguments)
		}
		return out
	}

	dec := json.NewDecoder(strings.NewReader(content))
	for {
		var c textToolCall
		if err := dec.Decode(&c); err != nil {
			break
		}
		add(c.Name, c.Arguments)
	}
	if len(out) > 0 {
		return out
	}

	if len(valid) > 0 {
		if m := namePrefixedJSON.FindStringSubmatch(strings.SplitN(content, "\n", 2)[0]); m != nil && valid[m[1]] {
			var args json.RawMessage
			if err := json.NewDecoder(strings.NewReader(m[2])).Decode(&args); err == nil {
				add(m[1], args)
			}
		}
	}

	return out
}
