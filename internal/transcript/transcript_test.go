package transcript

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nugget/nakari/internal/llm"
)

func newTestManager(t *testing.T, maxTokens, target int) *Manager {
	t.Helper()
	return NewManager(NewCounter("gpt-4o"), maxTokens, target, nil)
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func TestSetSystemPromptReplaces(t *testing.T) {
	m := newTestManager(t, 1000, 500)
	m.AddUser("hello")
	m.SetSystemPrompt("first")
	m.SetSystemPrompt("second")

	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "second" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
}

func TestCountTokensDeterministic(t *testing.T) {
	build := func() *Manager {
		m := newTestManager(t, 100000, 50000)
		m.SetSystemPrompt("You are a helpful assistant.")
		m.AddUser("What is on my queue?")
		m.AddAssistant("", []llm.ToolCall{toolCall("c1", "mailbox_list", `{"status":null}`)})
		m.AddToolResult("c1", `[]`)
		return m
	}

	a, b := build(), build()
	if a.CountTokens() != b.CountTokens() {
		t.Errorf("identical transcripts counted %d and %d", a.CountTokens(), b.CountTokens())
	}
	if a.CountTokens() != a.CountTokens() {
		t.Error("repeated count differs")
	}
}

func TestCountTokensMonotonic(t *testing.T) {
	m := newTestManager(t, 100000, 50000)
	prev := m.CountTokens()
	if prev != 0 {
		t.Errorf("empty transcript counted %d", prev)
	}

	for i := range 10 {
		m.AddUser(fmt.Sprintf("message number %d with some words", i))
		n := m.CountTokens()
		if n <= prev {
			t.Fatalf("count did not grow: %d -> %d", prev, n)
		}
		prev = n
	}
}

func TestCountTokensIncludesToolCalls(t *testing.T) {
	m := newTestManager(t, 100000, 50000)
	m.AddAssistant("", nil)
	bare := m.CountTokens()
	if bare != messageOverhead {
		t.Errorf("empty assistant message counted %d, want %d", bare, messageOverhead)
	}

	m2 := newTestManager(t, 100000, 50000)
	m2.AddAssistant("", []llm.ToolCall{toolCall("c1", "memory_recall", `{"query":"tea preferences","limit":5}`)})
	if m2.CountTokens() <= bare {
		t.Errorf("tool call tokens not counted: %d", m2.CountTokens())
	}
}

func TestPassiveCompressNoOpUnderThreshold(t *testing.T) {
	m := newTestManager(t, 100000, 50000)
	m.SetSystemPrompt("system")
	m.AddUser("one")
	m.AddUser("two")

	before := m.Messages()
	if n := m.PassiveCompress(); n != 0 {
		t.Errorf("PassiveCompress() evicted %d under threshold", n)
	}
	after := m.Messages()
	if len(before) != len(after) {
		t.Fatalf("message count changed %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Content != after[i].Content {
			t.Errorf("message %d changed", i)
		}
	}
}

func TestPassiveCompressInvariants(t *testing.T) {
	c := NewCounter("gpt-4o")
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	per := c.Message(llm.Message{Role: llm.RoleUser, Content: filler})

	// Ceiling after roughly ten messages, target around five.
	m := NewManager(c, per*10, per*5, nil)
	m.SetSystemPrompt("system prompt")

	for i := range 8 {
		m.AddUser(filler)
		id := fmt.Sprintf("call_%d", i)
		m.AddAssistant("", []llm.ToolCall{toolCall(id, "web_fetch", `{"url":"https://example.com"}`)})
		m.AddToolResult(id, filler)
	}
	if m.CountTokens() <= per*10 {
		t.Fatalf("setup did not exceed ceiling: %d <= %d", m.CountTokens(), per*10)
	}

	evicted := m.PassiveCompress()
	if evicted == 0 {
		t.Fatal("PassiveCompress() evicted nothing")
	}

	msgs := m.Messages()
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "system prompt" {
		t.Errorf("system message not preserved: %+v", msgs[0])
	}
	if m.CountTokens() > per*5 {
		t.Errorf("count %d still above target %d", m.CountTokens(), per*5)
	}

	// No tool result may outlive the assistant message that requested it.
	calls := make(map[string]bool)
	for _, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			calls[tc.ID] = true
		}
		if msg.Role == llm.RoleTool && !calls[msg.ToolCallID] {
			t.Errorf("orphaned tool result %q", msg.ToolCallID)
		}
	}
}

func TestPassiveCompressKeepsLastMessage(t *testing.T) {
	c := NewCounter("gpt-4o")
	huge := strings.Repeat("word ", 2000)

	m := NewManager(c, 100, 50, nil)
	m.SetSystemPrompt("sys")
	m.AddUser("small")
	m.AddUser(huge)

	m.PassiveCompress()

	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Len = %d, want system plus one message", len(msgs))
	}
	if msgs[1].Content != huge {
		t.Error("oversized final message was not kept")
	}
}

func TestPassiveCompressKeepsToolTurnAboveFloor(t *testing.T) {
	m := newTestManager(t, 50, 10)
	m.SetSystemPrompt("sys")
	m.AddAssistant("", []llm.ToolCall{toolCall("c1", "web_fetch", `{}`)})
	m.AddToolResult("c1", strings.Repeat("x", 1000))

	if evicted := m.PassiveCompress(); evicted != 0 {
		t.Errorf("evicted = %d, want 0", evicted)
	}
	msgs := m.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Len = %d, want the tool turn kept whole", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[1].Role != llm.RoleAssistant || msgs[2].Role != llm.RoleTool {
		t.Errorf("roles = %s, %s, %s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
}

func TestPassiveCompressEvictsWholeToolTurn(t *testing.T) {
	m := newTestManager(t, 50, 10)
	m.SetSystemPrompt("sys")
	m.AddAssistant("", []llm.ToolCall{toolCall("c1", "web_fetch", `{}`)})
	m.AddToolResult("c1", strings.Repeat("x", 1000))
	m.AddUser("next")

	if evicted := m.PassiveCompress(); evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	msgs := m.Messages()
	if len(msgs) != 2 || msgs[1].Content != "next" {
		t.Errorf("messages = %+v, want system and the last user message", msgs)
	}
}

func TestPassiveCompressWithoutSystem(t *testing.T) {
	c := NewCounter("gpt-4o")
	m := NewManager(c, 10, 5, nil)
	m.AddUser(strings.Repeat("a b c ", 20))
	m.AddUser(strings.Repeat("d e f ", 20))
	m.AddUser("last")

	m.PassiveCompress()

	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Content != "last" {
		t.Errorf("got %+v, want only the last message", msgs)
	}
}

func TestActiveCompress(t *testing.T) {
	m := newTestManager(t, 100000, 50000)
	m.SetSystemPrompt("sys")
	m.AddUser("a")
	m.AddAssistant("b", nil)

	m.ActiveCompress("they asked about tea")

	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "sys" {
		t.Errorf("system = %q", msgs[0].Content)
	}
	if msgs[1].Role != llm.RoleUser || msgs[1].Content != "[Context Summary]\nthey asked about tea" {
		t.Errorf("summary message = %+v", msgs[1])
	}

	empty := newTestManager(t, 100000, 50000)
	empty.ActiveCompress("x")
	if empty.Len() != 1 {
		t.Errorf("ActiveCompress without system: Len = %d, want 1", empty.Len())
	}
}

func TestRecentText(t *testing.T) {
	m := newTestManager(t, 100000, 50000)
	m.SetSystemPrompt("hidden")
	m.AddUser("hi")
	m.AddAssistant("", []llm.ToolCall{toolCall("c1", "mailbox_list", "{}")})
	m.AddToolResult("c1", "[]")
	m.AddAssistant("hello there", nil)

	want := "[user] hi\n[tool] []\n[assistant] hello there"
	if got := m.RecentText(); got != want {
		t.Errorf("RecentText() = %q, want %q", got, want)
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	m := newTestManager(t, 100000, 50000)
	m.AddUser("original")
	msgs := m.Messages()
	msgs[0].Content = "changed"
	if m.Messages()[0].Content != "original" {
		t.Error("Messages() exposed internal slice")
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"a", 1},
		{"one two three", 3},
		{strings.Repeat("x", 40), 10},
	}
	for _, tt := range tests {
		if got := estimate(tt.in); got != tt.want {
			t.Errorf("estimate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHasToolCall(t *testing.T) {
	m := newTestManager(t, 1000, 500)
	m.SetSystemPrompt("sys")
	m.AddAssistant("", []llm.ToolCall{toolCall("call-1", "compress_context", `{}`)})

	if !m.HasToolCall("call-1") {
		t.Error("HasToolCall(call-1) = false before compression")
	}
	if m.HasToolCall("call-2") {
		t.Error("HasToolCall(call-2) = true for an unknown id")
	}

	m.ActiveCompress("summary")
	if m.HasToolCall("call-1") {
		t.Error("HasToolCall(call-1) = true after active compression")
	}
}
