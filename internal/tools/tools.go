// Package tools provides the tool registry the agent loop dispatches
// model tool calls through, plus the built-in tools themselves.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"
)

// maxErrorLen bounds the text of an error result so a runaway error
// message cannot flood the transcript.
const maxErrorLen = 2000

// Handler executes a tool. args is the raw JSON object the model sent.
// A string result is returned to the model as is; anything else is
// marshaled to JSON.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Strict marks a schema that lists every property as required and
	// forbids extras, so providers may enforce it exactly.
	Strict  bool    `json:"strict,omitempty"`
	Handler Handler `json:"-"`
}

// Result is the outcome of a tool execution as the model will see it.
type Result struct {
	Output  string
	IsError bool
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	r.logger.Debug("tool registered", "tool", t.Name)
}

// Unregister removes a tool. It is a no-op for unknown names.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get retrieves a tool by name. The error is an *ErrToolUnavailable
// when no such tool is registered.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return t, nil
}

// AllToolNames returns the names of every registered tool, sorted.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// List returns all tools in the OpenAI function-calling format, sorted
// by name so the request is stable between iterations.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		fn := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		}
		if t.Strict {
			fn["strict"] = true
		}
		result = append(result, map[string]any{
			"type":     "function",
			"function": fn,
		})
	}
	slices.SortFunc(result, func(a, b map[string]any) int {
		return strings.Compare(toolName(a), toolName(b))
	})
	return result
}

func toolName(def map[string]any) string {
	fn, _ := def["function"].(map[string]any)
	name, _ := fn["name"].(string)
	return name
}

// Execute runs a tool by name with the given JSON arguments. It never
// returns an error or panics: every failure becomes an error Result
// the model can read and react to.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (res Result) {
	tool, err := r.Get(name)
	if err != nil {
		return Result{Output: "Unknown tool: " + name, IsError: true}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = errorResult(name, fmt.Errorf("panic: %v", p))
		}
	}()

	argsJSON = strings.TrimSpace(argsJSON)
	if argsJSON == "" {
		argsJSON = "{}"
	}
	if !json.Valid([]byte(argsJSON)) {
		var probe any
		err := json.Unmarshal([]byte(argsJSON), &probe)
		r.logger.Warn("tool arguments are not valid JSON", "tool", name, "error", err)
		return errorResult(name, fmt.Errorf("invalid JSON arguments: %w", err))
	}

	out, err := tool.Handler(ctx, json.RawMessage(argsJSON))
	if err != nil {
		r.logger.Error("tool execution error", "tool", name, "error", err)
		return errorResult(name, err)
	}

	text, err := formatOutput(out)
	if err != nil {
		r.logger.Error("tool result not serializable", "tool", name, "error", err)
		return errorResult(name, err)
	}
	return Result{Output: text}
}

// formatOutput renders a handler result for the transcript: strings
// pass through, other values become JSON, and values JSON cannot
// represent fall back to their fmt rendering.
func formatOutput(v any) (s string, err error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "null", nil
	}

	if data, mErr := json.Marshal(v); mErr == nil {
		return string(data), nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("format result: %v", p)
		}
	}()
	return fmt.Sprintf("%+v", v), nil
}

func errorResult(name string, err error) Result {
	msg := fmt.Sprintf("Error executing %s: %v", name, err)
	return Result{Output: truncate(msg, maxErrorLen), IsError: true}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
