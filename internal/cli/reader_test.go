package cli

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"

	"github.com/nugget/nakari/internal/agent"
	"github.com/nugget/nakari/internal/mailbox"
)

type step struct {
	line string
	err  error
}

type scriptedLines struct {
	mu     sync.Mutex
	steps  []step
	closed bool
}

func (s *scriptedLines) Readline() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return "", io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.line, st.err
}

func (s *scriptedLines) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func lines(ls ...string) *scriptedLines {
	s := &scriptedLines{}
	for _, l := range ls {
		s.steps = append(s.steps, step{line: l})
	}
	return s
}

func runReader(t *testing.T, src LineReader) (*mailbox.Mailbox, error) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	mb := mailbox.New(nil, nil)
	r := NewWithLineReader(src, mb, cancel, nil)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return mb, context.Cause(ctx)
}

func TestRun_QueuesLines(t *testing.T) {
	src := lines("hello there", "   ", "", "  what time is it?  ")
	mb, cause := runReader(t, src)

	if cause != nil {
		t.Errorf("end of input should not shut down, cause = %v", cause)
	}
	got := mb.List(mailbox.StatusPending)
	if len(got) != 2 {
		t.Fatalf("queued %d events, want 2", len(got))
	}
	if got[0].Content != "hello there" || got[1].Content != "what time is it?" {
		t.Errorf("contents = %q, %q", got[0].Content, got[1].Content)
	}
	for _, ev := range got {
		if ev.Type != mailbox.TypeUserText {
			t.Errorf("type = %q, want user_text", ev.Type)
		}
		if ev.MaxToolCalls != mailbox.DefaultMaxToolCalls {
			t.Errorf("max_tool_calls = %d, want %d", ev.MaxToolCalls, mailbox.DefaultMaxToolCalls)
		}
		if ev.Metadata["source"] != "cli" {
			t.Errorf("metadata = %v, want source=cli", ev.Metadata)
		}
	}
	if !src.closed {
		t.Error("line reader was not closed")
	}
}

func TestRun_ExitShutsDown(t *testing.T) {
	for _, word := range []string{"exit", "quit", "EXIT"} {
		t.Run(word, func(t *testing.T) {
			mb, cause := runReader(t, lines("first", word, "never read"))

			var se *agent.ShutdownError
			if !errors.As(cause, &se) || se.Reason != "cli exit" {
				t.Fatalf("cause = %v, want shutdown: cli exit", cause)
			}
			if !errors.Is(cause, agent.ErrShutdown) {
				t.Error("cause does not match ErrShutdown")
			}
			if n := mb.Len(); n != 1 {
				t.Errorf("mailbox has %d events, want 1", n)
			}
		})
	}
}

func TestRun_Interrupt(t *testing.T) {
	t.Run("with text clears the line", func(t *testing.T) {
		src := &scriptedLines{steps: []step{
			{line: "half typed", err: readline.ErrInterrupt},
			{line: "kept"},
		}}
		mb, cause := runReader(t, src)
		if cause != nil {
			t.Errorf("cause = %v, want nil", cause)
		}
		if got := mb.List(mailbox.StatusPending); len(got) != 1 || got[0].Content != "kept" {
			t.Errorf("queued = %+v, want only 'kept'", got)
		}
	})

	t.Run("on empty line shuts down", func(t *testing.T) {
		src := &scriptedLines{steps: []step{{err: readline.ErrInterrupt}}}
		_, cause := runReader(t, src)
		var se *agent.ShutdownError
		if !errors.As(cause, &se) || se.Reason != "cli interrupt" {
			t.Errorf("cause = %v, want shutdown: cli interrupt", cause)
		}
	})
}

func TestRun_ReadError(t *testing.T) {
	src := &scriptedLines{steps: []step{{err: errors.New("tty gone")}}}
	r := NewWithLineReader(src, mailbox.New(nil, nil), nil, nil)
	err := r.Run(context.Background())
	if err == nil || err.Error() != "read console: tty gone" {
		t.Errorf("Run() = %v, want read console: tty gone", err)
	}
}

// blockingLines blocks in Readline until closed, like a terminal.
type blockingLines struct {
	once   sync.Once
	closed chan struct{}
}

func (b *blockingLines) Readline() (string, error) {
	<-b.closed
	return "", io.EOF
}

func (b *blockingLines) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestRun_ContextCancelUnblocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &blockingLines{closed: make(chan struct{})}
	r := NewWithLineReader(src, mailbox.New(nil, nil), nil, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
