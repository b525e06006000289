// Package embeddings generates vector embeddings through an
// OpenAI-compatible /embeddings endpoint or Ollama's embedding API.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/nakari/internal/httpkit"
)

// Client generates embeddings with a single configured backend.
type Client struct {
	provider string
	baseURL  string
	model    string
	client   *http.Client
}

// Config for embedding client.
type Config struct {
	Provider string // "openai" or "ollama"
	BaseURL  string // e.g. "https://api.openai.com/v1" or "http://localhost:11434"
	APIKey   string // OpenAI-compatible backends only
	Model    string
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		if cfg.Provider == "ollama" {
			cfg.Model = "nomic-embed-text"
		} else {
			cfg.Model = "text-embedding-3-small"
		}
	}
	opts := []httpkit.ClientOption{httpkit.WithTimeout(30 * time.Second)}
	if cfg.Provider != "ollama" {
		opts = append(opts, httpkit.WithBearerToken(cfg.APIKey))
	}
	return &Client{
		provider: cfg.Provider,
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		client:   httpkit.NewClient(opts...),
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Generate creates an embedding for the given text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	if c.provider == "ollama" {
		var resp ollamaResponse
		if err := c.post(ctx, "/api/embeddings", ollamaRequest{Model: c.model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, errors.New("empty embedding in response")
		}
		return resp.Embedding, nil
	}

	vecs, err := c.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GenerateBatch creates embeddings for multiple texts. OpenAI-compatible
// backends receive one request; Ollama gets one request per text.
func (c *Client) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.provider == "ollama" {
		results := make([][]float32, len(texts))
		for i, text := range texts {
			emb, err := c.Generate(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embed text %d: %w", i, err)
			}
			results[i] = emb
		}
		return results, nil
	}

	var resp openaiResponse
	if err := c.post(ctx, "/embeddings", openaiRequest{Model: c.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	results := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		results[d.Index] = d.Embedding
	}
	return results, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("%s returned status %d: %s", c.provider, resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
