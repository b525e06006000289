// Package llm provides the chat completion clients the agent loop talks
// to: an OpenAI-compatible client, an Ollama client and a router that
// picks between them by model name.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// The model may answer with text, tool calls or both.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
