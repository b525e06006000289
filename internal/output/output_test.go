package output

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
)

func TestMultiSend(t *testing.T) {
	m := NewMulti(nil)
	var got atomic.Int32
	var stamped atomic.Bool

	ok := Func{N: "ok", F: func(_ context.Context, msg Message) error {
		got.Add(1)
		stamped.Store(!msg.Timestamp.IsZero())
		return nil
	}}
	m.Add(ok)
	m.Add(Func{N: "also-ok", F: func(context.Context, Message) error {
		got.Add(1)
		return nil
	}})
	m.Add(nil)

	if err := m.Send(context.Background(), Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Load() != 2 {
		t.Errorf("delivered to %d endpoints, want 2", got.Load())
	}
	if !stamped.Load() {
		t.Error("Send should stamp a missing timestamp")
	}
	if names := m.Names(); len(names) != 2 || names[0] != "ok" {
		t.Errorf("Names() = %v", names)
	}
}

func TestMultiSend_JoinsErrors(t *testing.T) {
	m := NewMulti(nil)
	errA := errors.New("socket closed")
	errB := errors.New("broker down")
	var delivered atomic.Bool

	m.Add(Func{N: "ws", F: func(context.Context, Message) error { return errA }})
	m.Add(Func{N: "console", F: func(context.Context, Message) error {
		delivered.Store(true)
		return nil
	}})
	m.Add(Func{N: "mqtt", F: func(context.Context, Message) error { return errB }})

	err := m.Send(context.Background(), Message{Text: "x"})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("err = %v, want both endpoint errors", err)
	}
	if !strings.Contains(err.Error(), "ws: socket closed") {
		t.Errorf("err = %q, want endpoint name prefix", err)
	}
	if !delivered.Load() {
		t.Error("healthy endpoint should still receive the reply")
	}
}

func TestMultiSend_Concurrent(t *testing.T) {
	m := NewMulti(nil)
	for range 3 {
		m.Add(Func{N: "slow", F: func(context.Context, Message) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		}})
	}

	start := time.Now()
	if err := m.Send(context.Background(), Message{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Send took %v; endpoints should run concurrently", elapsed)
	}
}

func TestMultiSend_Empty(t *testing.T) {
	if err := NewMulti(nil).Send(context.Background(), Message{Text: "x"}); err != nil {
		t.Errorf("Send with no endpoints: %v", err)
	}
}

func TestConsole(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	c := NewConsole(&buf, "nakari")

	if err := c.Send(context.Background(), Message{Text: "hello there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(context.Background(), Message{Text: "out loud", Speak: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := "nakari: hello there\nnakari: out loud (spoken)\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
