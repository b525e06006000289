package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
	"github.com/nugget/nakari/internal/output"
	"github.com/nugget/nakari/internal/usage"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []*paho.Publish
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) onTopic(topic string) []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*paho.Publish
	for _, p := range f.sent {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func newTestBridge(t *testing.T) (*Bridge, *fakePublisher, *mailbox.Mailbox) {
	t.Helper()
	mb := mailbox.New(nil, nil)
	b := New(config.MQTTConfig{Broker: "mqtt://localhost:1883", DeviceName: "den"}, Deps{
		Mailbox:             mb,
		State:               &mailbox.LoopState{},
		InstanceID:          "inst-1",
		DefaultMaxToolCalls: 9,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	pub := &fakePublisher{}
	b.pub = pub
	return b, pub, mb
}

func TestBridge_TopicPaths(t *testing.T) {
	b, _, _ := newTestBridge(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"input", b.inputTopic(), "nakari/den/input"},
		{"reply", b.replyTopic(), "nakari/den/reply"},
		{"state", b.stateTopic(), "nakari/den/state"},
		{"status", b.statusTopic(), "nakari/den/status"},
		{"availability", b.availabilityTopic(), "nakari/den/availability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		ok       bool
		content  string
		priority int
		budget   int
	}{
		{"plain text", "  turn it down  ", true, "turn it down", 0, 9},
		{"json", `{"content":"hi","priority":2,"max_tool_calls":3}`, true, "hi", 2, 3},
		{"json without budget", `{"content":"hi"}`, true, "hi", 0, 9},
		{"broken json is text", `{"content":`, true, `{"content":`, 0, 9},
		{"empty", "   ", false, "", 0, 0},
		{"json empty content", `{"content":"  "}`, false, "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := parseInput("nakari/den/input", []byte(tt.payload), 9)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Content != tt.content || ev.Priority != tt.priority || ev.MaxToolCalls != tt.budget {
				t.Errorf("event = %q/%d/%d, want %q/%d/%d",
					ev.Content, ev.Priority, ev.MaxToolCalls, tt.content, tt.priority, tt.budget)
			}
			if ev.Type != mailbox.TypeUserText || ev.Metadata["source"] != "mqtt" || ev.Metadata["topic"] != "nakari/den/input" {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestBridge_HandleMessage(t *testing.T) {
	b, _, mb := newTestBridge(t)

	b.handleMessage("nakari/den/input", []byte("what's the weather"))
	b.handleMessage("nakari/other/input", []byte("not for us"))
	b.handleMessage("nakari/den/input", []byte(""))

	got := mb.List(mailbox.StatusPending)
	if len(got) != 1 || got[0].Content != "what's the weather" {
		t.Fatalf("queued = %+v, want one event", got)
	}
}

func TestBridge_HandleMessageRateLimited(t *testing.T) {
	b, _, mb := newTestBridge(t)
	for range inputLimit + 5 {
		b.handleMessage("nakari/den/input", []byte("spam"))
	}
	if n := mb.Len(); n != inputLimit {
		t.Errorf("queued %d events, want %d", n, inputLimit)
	}
	if d := b.limit.dropped.Load(); d != 5 {
		t.Errorf("dropped = %d, want 5", d)
	}
}

func TestBridge_Send(t *testing.T) {
	b, pub, _ := newTestBridge(t)

	var ep output.Endpoint = b
	if ep.Name() != "mqtt" {
		t.Errorf("Name() = %q", ep.Name())
	}
	if err := ep.Send(context.Background(), output.Message{Text: "done", Speak: true, EventID: "e1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := pub.onTopic("nakari/den/reply")
	if len(sent) != 1 {
		t.Fatalf("reply publishes = %d, want 1", len(sent))
	}
	if sent[0].Retain || sent[0].QoS != 1 {
		t.Errorf("reply qos/retain = %d/%v, want 1/false", sent[0].QoS, sent[0].Retain)
	}
	var msg output.Message
	if err := json.Unmarshal(sent[0].Payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Text != "done" || !msg.Speak || msg.EventID != "e1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestBridge_SendErrors(t *testing.T) {
	b, pub, _ := newTestBridge(t)

	pub.err = errors.New("broker gone")
	err := b.Send(context.Background(), output.Message{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Errorf("Send() = %v, want wrapped broker error", err)
	}

	b.pub = nil
	if err := b.Send(context.Background(), output.Message{Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() before connect = %v, want ErrNotConnected", err)
	}
	if err := b.AwaitConnection(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AwaitConnection() before Start = %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start = %v", err)
	}
}

func TestBridge_MirrorState(t *testing.T) {
	b, pub, _ := newTestBridge(t)
	ctx := context.Background()

	b.mirror(ctx, events.Event{Kind: events.KindThinking, Data: map[string]any{"event_id": "e1"}})
	b.mirror(ctx, events.Event{Kind: events.KindToolCall, Data: map[string]any{"event_id": "e1", "tool": "reply"}})
	b.mirror(ctx, events.Event{Kind: events.KindReply, Data: map[string]any{"speak": false}})
	b.mirror(ctx, events.Event{Kind: events.KindReply, Data: map[string]any{"event_id": "e1", "speak": true}})
	b.mirror(ctx, events.Event{Kind: events.KindIdle})
	b.mirror(ctx, events.Event{Kind: events.KindToolDone})
	b.mirror(ctx, events.Event{Kind: events.KindResponse, Data: map[string]any{"tokens_in": 100, "tokens_out": 20}})

	sent := pub.onTopic("nakari/den/state")
	want := []statePayload{
		{State: "thinking", EventID: "e1"},
		{State: "processing", EventID: "e1", Tool: "reply"},
		{State: "speaking", EventID: "e1"},
		{State: "idle"},
	}
	if len(sent) != len(want) {
		t.Fatalf("state publishes = %d, want %d", len(sent), len(want))
	}
	for i, w := range want {
		var got statePayload
		if err := json.Unmarshal(sent[i].Payload, &got); err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if got.State != w.State || got.EventID != w.EventID || got.Tool != w.Tool {
			t.Errorf("state %d = %+v, want %+v", i, got, w)
		}
		if !sent[i].Retain {
			t.Errorf("state %d not retained", i)
		}
	}
}

type fakeUsage struct {
	sum        usage.Summary
	err        error
	start, end time.Time
}

func (f *fakeUsage) Summary(start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	if f.err != nil {
		return nil, f.err
	}
	return &f.sum, nil
}

func TestBridge_PublishStatus(t *testing.T) {
	b, pub, mb := newTestBridge(t)
	mb.Put(mailbox.NewEvent(mailbox.TypeUserText, "a", 0))
	u := &fakeUsage{sum: usage.Summary{TotalRecords: 1, TotalInputTokens: 10, TotalOutputTokens: 5}}
	b.deps.Usage = u

	b.publishStatus(context.Background())

	sent := pub.onTopic("nakari/den/status")
	if len(sent) != 1 || !sent[0].Retain {
		t.Fatalf("status publishes = %+v", sent)
	}
	var st Status
	if err := json.Unmarshal(sent[0].Payload, &st); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if st.InstanceID != "inst-1" || st.Pending != 1 || st.Queued != 1 || st.TokensToday != 15 || st.RequestsToday != 1 {
		t.Errorf("status = %+v", st)
	}
	if u.start.Hour() != 0 || u.start.Minute() != 0 || u.end.Sub(u.start) < 23*time.Hour {
		t.Errorf("usage window = %v to %v, want local midnight to midnight", u.start, u.end)
	}
}

func TestBridge_StatusFromUsageStore(t *testing.T) {
	b, _, _ := newTestBridge(t)
	store, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b.deps.Usage = store

	ctx := context.Background()
	for _, rec := range []usage.Record{
		{Model: "gpt-4o", Provider: "openai", InputTokens: 100, OutputTokens: 20},
		{Model: "gpt-4o", Provider: "openai", InputTokens: 50, OutputTokens: 5},
		{Model: "gpt-4o", Provider: "openai", InputTokens: 999, OutputTokens: 999, Timestamp: time.Now().AddDate(0, 0, -2)},
	} {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	st := b.status()
	if st.TokensToday != 175 || st.RequestsToday != 2 {
		t.Errorf("today = %d tokens / %d requests, want 175 / 2", st.TokensToday, st.RequestsToday)
	}

	b.deps.Usage = &fakeUsage{err: errors.New("db locked")}
	if st := b.status(); st.TokensToday != 0 || st.RequestsToday != 0 {
		t.Errorf("status on usage error = %+v, want zero totals", st)
	}
}

func TestBridge_RunMirrorsBus(t *testing.T) {
	b, pub, _ := newTestBridge(t)
	bus := events.New()
	b.deps.Bus = bus
	b.cfg.PublishInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Emit(events.SourceMailbox, events.KindIdle, nil)

	for time.Now().Before(deadline) {
		if len(pub.onTopic("nakari/den/state")) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if n := len(pub.onTopic("nakari/den/state")); n != 1 {
		t.Errorf("state publishes = %d, want 1", n)
	}
	if n := len(pub.onTopic("nakari/den/status")); n != 1 {
		t.Errorf("status publishes = %d, want 1 at start", n)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	rl := newMessageRateLimiter(1000, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				rl.allow()
			}
		}()
	}
	wg.Wait()

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
