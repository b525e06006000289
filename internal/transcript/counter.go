package transcript

import (
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nugget/nakari/internal/llm"
)

// messageOverhead approximates the per-message framing tokens the chat
// format adds around each entry.
const messageOverhead = 4

// Counter estimates the prompt size of a transcript.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter returns a Counter using the encoding registered for model,
// falling back to cl100k_base for models tiktoken does not know. If no
// encoding can be loaded (the BPE tables are fetched on first use) the
// Counter uses a character heuristic and Exact reports false.
func NewCounter(model string) *Counter {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return &Counter{enc: enc}
		}
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Exact reports whether counts come from a real tokenizer.
func (c *Counter) Exact() bool {
	return c.enc != nil
}

// Text returns the token count of s.
func (c *Counter) Text(s string) int {
	if s == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(s, nil, nil))
	}
	return estimate(s)
}

// estimate approximates a token count as max(runes/4, words), at least 1.
func estimate(s string) int {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0
	}
	n := utf8.RuneCountInString(trimmed) / 4
	n = max(n, len(strings.Fields(trimmed)))
	return max(n, 1)
}

// Message returns the token count of one message: the fixed overhead,
// its content and the name and arguments of every tool call.
func (c *Counter) Message(m llm.Message) int {
	n := messageOverhead + c.Text(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.Text(tc.Function.Name)
		n += c.Text(tc.Function.Arguments)
	}
	return n
}

// Messages returns the total token count of msgs.
func (c *Counter) Messages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.Message(m)
	}
	return total
}
