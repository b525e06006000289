// Package cli reads typed lines from the terminal and queues each one
// as a user_text event in the mailbox.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/nugget/nakari/internal/agent"
	"github.com/nugget/nakari/internal/mailbox"
)

// LineReader is the subset of *readline.Instance the Reader uses.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Config configures the interactive prompt.
type Config struct {
	HistoryFile string
	Prompt      string // defaults to "you> "

	// DefaultMaxToolCalls is the budget of queued lines. Zero uses
	// mailbox.DefaultMaxToolCalls.
	DefaultMaxToolCalls int
}

// Reader turns console input into mailbox events.
type Reader struct {
	lines    LineReader
	out      io.Writer
	maxCalls int
	mb       *mailbox.Mailbox
	cancel   context.CancelCauseFunc
	logger   *slog.Logger
}

// New opens a readline prompt on the process terminal. cancel is
// called with an agent.ShutdownError when the user types exit or quit.
func New(cfg Config, mb *mailbox.Mailbox, cancel context.CancelCauseFunc, logger *slog.Logger) (*Reader, error) {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "you> "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            color.New(color.FgCyan, color.Bold).Sprint(prompt),
		HistoryFile:       cfg.HistoryFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("open readline: %w", err)
	}
	r := NewWithLineReader(rl, mb, cancel, logger)
	r.out = rl.Stdout()
	r.maxCalls = cfg.DefaultMaxToolCalls
	return r, nil
}

// NewWithLineReader builds a Reader over an arbitrary line source.
func NewWithLineReader(lines LineReader, mb *mailbox.Mailbox, cancel context.CancelCauseFunc, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		lines:  lines,
		out:    os.Stdout,
		mb:     mb,
		cancel: cancel,
		logger: logger,
	}
}

// IsTerminal reports whether stdin and stdout are a terminal.
func IsTerminal() bool {
	return readline.DefaultIsTerminal()
}

// Stdout is where other console output should go so it does not
// clobber the prompt line.
func (r *Reader) Stdout() io.Writer {
	return r.out
}

// Run reads lines until ctx is cancelled, the input ends or the user
// asks to leave. Exit, quit and Ctrl+C on an empty line shut the whole
// process down. End of input only stops the reader.
func (r *Reader) Run(ctx context.Context) error {
	var once sync.Once
	closeLines := func() { once.Do(func() { r.lines.Close() }) }
	stop := context.AfterFunc(ctx, closeLines)
	defer stop()
	defer closeLines()

	for {
		line, err := r.lines.Readline()
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if strings.TrimSpace(line) == "" {
				r.shutdown("cli interrupt")
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			r.logger.Info("console input closed")
			return nil
		case err != nil:
			return fmt.Errorf("read console: %w", err)
		}

		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			r.shutdown("cli exit")
			return nil
		}

		ev := mailbox.NewEvent(mailbox.TypeUserText, line, r.maxCalls)
		ev.Metadata["source"] = "cli"
		r.mb.Put(ev)
		r.logger.Debug("console input queued", "event_id", ev.ID, "length", len(line))
	}
}

func (r *Reader) shutdown(reason string) {
	r.logger.Info("shutdown requested from console", "reason", reason)
	if r.cancel != nil {
		r.cancel(agent.Shutdown(reason))
	}
}
