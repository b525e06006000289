package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/nakari/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions
// endpoint.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (for example
// https://api.openai.com/v1). An empty apiKey sends no Authorization
// header, which suits local gateways.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithResponseHeaderTimeout(timeout),
			httpkit.WithBearerToken(apiKey),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type openaiRequest struct {
	Model      string           `json:"model"`
	Messages   []Message        `json:"messages"`
	Tools      []map[string]any `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   *string    `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (r *openaiResponse) toChatResponse() (*ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := r.Choices[0]

	resp := &ChatResponse{
		Model:        r.Model,
		FinishReason: choice.FinishReason,
		InputTokens:  r.Usage.PromptTokens,
		OutputTokens: r.Usage.CompletionTokens,
		Message: Message{
			Role:      RoleAssistant,
			ToolCalls: choice.Message.ToolCalls,
		},
	}
	if r.Created > 0 {
		resp.CreatedAt = time.Unix(r.Created, 0)
	}
	if choice.Message.Content != nil {
		resp.Message.Content = *choice.Message.Content
	}
	for i := range resp.Message.ToolCalls {
		if resp.Message.ToolCalls[i].Type == "" {
			resp.Message.ToolCalls[i].Type = "function"
		}
	}
	return resp, nil
}

// Chat sends a chat completion request with tool_choice "auto" when
// tools are offered.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openaiRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "openai request", "model", model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var wire openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out, err := wire.toChatResponse()
	if err != nil {
		return nil, err
	}
	out.TotalDuration = time.Since(start)

	c.logger.Log(ctx, LevelTrace, "openai response",
		"model", out.Model,
		"content", out.Message.Content,
		"tool_calls", len(out.Message.ToolCalls),
		"finish_reason", out.FinishReason,
	)
	return out, nil
}

// Ping lists models to check the endpoint and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
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
