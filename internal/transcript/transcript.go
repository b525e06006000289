// Package transcript keeps the running conversation sent to the model
// and bounds its size. Passive compression drops the oldest messages
// once the token count crosses a ceiling; active compression replaces
// everything with a model-written summary.
package transcript

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nugget/nakari/internal/llm"
)

// SummaryPrefix starts the user message left behind by ActiveCompress.
const SummaryPrefix = "[Context Summary]\n"

// Manager owns the transcript. It is not safe for concurrent use; the
// agent loop goroutine is its only caller.
type Manager struct {
	messages []llm.Message
	counter  *Counter

	maxTokens    int
	targetTokens int

	logger *slog.Logger
}

// NewManager creates an empty transcript. Passive compression starts
// when the count exceeds maxTokens and evicts down to targetTokens.
func NewManager(counter *Counter, maxTokens, targetTokens int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		counter:      counter,
		maxTokens:    maxTokens,
		targetTokens: targetTokens,
		logger:       logger,
	}
}

// SetSystemPrompt installs or replaces the system message at index 0.
func (m *Manager) SetSystemPrompt(prompt string) {
	sys := llm.Message{Role: llm.RoleSystem, Content: prompt}
	if m.hasSystem() {
		m.messages[0] = sys
		return
	}
	m.messages = slices.Insert(m.messages, 0, sys)
}

// AddUser appends a user message.
func (m *Manager) AddUser(content string) {
	m.messages = append(m.messages, llm.Message{Role: llm.RoleUser, Content: content})
}

// AddAssistant appends an assistant message with optional tool calls.
func (m *Manager) AddAssistant(content string, toolCalls []llm.ToolCall) {
	m.messages = append(m.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: slices.Clone(toolCalls),
	})
}

// AddToolResult appends the answer to a tool call.
func (m *Manager) AddToolResult(toolCallID, content string) {
	m.messages = append(m.messages, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: toolCallID,
		Content:    content,
	})
}

// Messages returns a copy of the transcript for an LLM request.
func (m *Manager) Messages() []llm.Message {
	return slices.Clone(m.messages)
}

// Len returns the number of messages, including the system message.
func (m *Manager) Len() int {
	return len(m.messages)
}

// CountTokens returns the estimated token count of the transcript.
func (m *Manager) CountTokens() int {
	return m.counter.Messages(m.messages)
}

// PassiveCompress evicts the oldest non-system messages while the
// transcript is over the target, but only once it has crossed the
// ceiling. Evicting an assistant message also evicts the tool results
// answering its calls so no orphaned results remain. At least the
// system message and one other message are always kept. It returns the
// number of messages removed.
func (m *Manager) PassiveCompress() int {
	tokens := m.CountTokens()
	if tokens <= m.maxTokens {
		return 0
	}

	m.logger.Info("passive compression triggered",
		"tokens", tokens,
		"threshold", m.maxTokens,
		"target", m.targetTokens,
	)

	first := 0
	if m.hasSystem() {
		first = 1
	}

	before := len(m.messages)
	for tokens > m.targetTokens && len(m.messages) > first+1 {
		drop := m.evictionSet(first)
		if len(m.messages)-len(drop) < first+1 {
			break
		}
		kept := m.messages[:0]
		for i, msg := range m.messages {
			if !drop[i] {
				kept = append(kept, msg)
			}
		}
		m.messages = kept
		tokens = m.CountTokens()
	}
	evicted := before - len(m.messages)

	if tokens > m.targetTokens {
		m.logger.Warn("transcript still over target after passive compression",
			"tokens", tokens,
			"target", m.targetTokens,
			"messages", len(m.messages),
		)
	}
	m.logger.Info("passive compression done", "tokens", tokens, "evicted", evicted)
	return evicted
}

// evictionSet returns the indexes removed together when the message at
// first is evicted: the message itself and, for an assistant message
// with tool calls, every tool result answering those calls.
func (m *Manager) evictionSet(first int) map[int]bool {
	drop := map[int]bool{first: true}
	removed := m.messages[first]
	if removed.Role != llm.RoleAssistant || len(removed.ToolCalls) == 0 {
		return drop
	}
	ids := make(map[string]bool, len(removed.ToolCalls))
	for _, tc := range removed.ToolCalls {
		ids[tc.ID] = true
	}
	for i := first + 1; i < len(m.messages); i++ {
		if msg := m.messages[i]; msg.Role == llm.RoleTool && ids[msg.ToolCallID] {
			drop[i] = true
		}
	}
	return drop
}

// ActiveCompress replaces the transcript with the system message, if
// any, followed by a single user message carrying summary.
func (m *Manager) ActiveCompress(summary string) {
	var kept []llm.Message
	if m.hasSystem() {
		kept = append(kept, m.messages[0])
	}
	m.messages = append(kept, llm.Message{
		Role:    llm.RoleUser,
		Content: SummaryPrefix + summary,
	})
	m.logger.Info("active compression done", "tokens", m.CountTokens())
}

// RecentText renders the non-system messages that have content as
// "[role] content" lines, for summarization.
func (m *Manager) RecentText() string {
	var b strings.Builder
	for _, msg := range m.messages {
		if msg.Role == llm.RoleSystem || msg.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", msg.Role, msg.Content)
	}
	return b.String()
}

// HasToolCall reports whether an assistant message still in the
// transcript requested the tool call id. Active compression during a
// turn drops the request, and its results must then be dropped too.
func (m *Manager) HasToolCall(id string) bool {
	for _, msg := range m.messages {
		if msg.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

func (m *Manager) hasSystem() bool {
	return len(m.messages) > 0 && m.messages[0].Role == llm.RoleSystem
}
