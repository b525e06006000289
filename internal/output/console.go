package output

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Console prints replies to a terminal, colored unless NO_COLOR is set
// or the writer is not a TTY.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	name   *color.Color
	speak  *color.Color
	prefix string
}

// NewConsole writes replies to w under the given speaker name.
func NewConsole(w io.Writer, speaker string) *Console {
	return &Console{
		w:      w,
		name:   color.New(color.FgMagenta, color.Bold),
		speak:  color.New(color.FgHiBlack),
		prefix: speaker,
	}
}

func (c *Console) Name() string { return "console" }

// Send prints the reply. Spoken replies are marked so a reader can tell
// what would have gone to TTS.
func (c *Console) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.name.Sprintf("%s:", c.prefix) + " " + msg.Text
	if msg.Speak {
		line += " " + c.speak.Sprint("(spoken)")
	}
	_, err := fmt.Fprintln(c.w, line)
	return err
}
