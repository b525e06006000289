package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nugget/nakari/internal/mailbox"
)

func newMailboxRegistry(t *testing.T) (*Registry, *mailbox.Mailbox, *mailbox.LoopState) {
	t.Helper()
	mb := mailbox.New(nil, nil)
	state := &mailbox.LoopState{}
	reg := NewRegistry(nil)
	RegisterMailboxTools(reg, MailboxDeps{Mailbox: mb, State: state, DefaultMaxToolCalls: 30})
	return reg, mb, state
}

func mustExec(t *testing.T, reg *Registry, name, args string) string {
	t.Helper()
	res := reg.Execute(context.Background(), name, args)
	if res.IsError {
		t.Fatalf("%s(%s) returned error result: %s", name, args, res.Output)
	}
	return res.Output
}

func TestMailboxAddAndList(t *testing.T) {
	reg, mb, _ := newMailboxRegistry(t)

	out := mustExec(t, reg, "mailbox_add", `{"type":"self_created","content":"follow up","priority":3}`)
	var created struct {
		Created  string `json:"created"`
		Priority int    `json:"priority"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if created.Priority != 3 || len(created.Created) != 12 {
		t.Errorf("created = %+v", created)
	}
	ev, ok := mb.Get(created.Created)
	if !ok {
		t.Fatal("event not in mailbox")
	}
	if ev.MaxToolCalls != 30 {
		t.Errorf("MaxToolCalls = %d, want config default 30", ev.MaxToolCalls)
	}

	mustExec(t, reg, "mailbox_add", `{"type":"user_text","content":"low","max_tool_calls":4,
		"attachments":[{"mime_type":"audio/wav","uri":"/tmp/a.wav"}]}`)

	var listed []mailbox.Event
	if err := json.Unmarshal([]byte(mustExec(t, reg, "mailbox_list", `{}`)), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d events, want 2", len(listed))
	}
	if listed[0].Content != "follow up" {
		t.Errorf("first = %q, want the higher priority event", listed[0].Content)
	}
	if listed[1].MaxToolCalls != 4 || len(listed[1].Attachments) != 1 {
		t.Errorf("second = %+v", listed[1])
	}
	if listed[1].Attachments[0].Metadata == nil {
		t.Error("attachment metadata should default to an empty object")
	}

	out = mustExec(t, reg, "mailbox_list", `{"status":"processing"}`)
	if out != "[]" {
		t.Errorf("processing filter = %s, want []", out)
	}
	mustExec(t, reg, "mailbox_list", `{"status":null}`)
}

func TestMailboxAdd_Rejects(t *testing.T) {
	reg, mb, _ := newMailboxRegistry(t)

	for _, args := range []string{
		`{"type":"nonsense","content":"x"}`,
		`{"content":"x"}`,
		`{"type":"user_text","content":"x","colour":"red"}`,
		`not json`,
	} {
		if res := reg.Execute(context.Background(), "mailbox_add", args); !res.IsError {
			t.Errorf("mailbox_add(%s) = %q, want error", args, res.Output)
		}
	}
	if mb.Len() != 0 {
		t.Errorf("rejected calls enqueued %d events", mb.Len())
	}
}

func TestMailboxPick(t *testing.T) {
	reg, mb, state := newMailboxRegistry(t)

	a := mailbox.NewEvent(mailbox.TypeUserText, "a", 5)
	b := mailbox.NewEvent(mailbox.TypeUserText, "b", 5)
	mb.Put(a)
	mb.Put(b)

	out := mustExec(t, reg, "mailbox_pick", `{"event_id":"nope"}`)
	if out != "Error: Event nope not found." {
		t.Errorf("pick unknown = %q", out)
	}

	out = mustExec(t, reg, "mailbox_pick", `{"event_id":"`+a.ID+`"}`)
	var picked mailbox.Event
	if err := json.Unmarshal([]byte(out), &picked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if picked.Status != mailbox.StatusProcessing {
		t.Errorf("picked status = %s", picked.Status)
	}
	if state.CurrentID() != a.ID || state.Count() != 0 {
		t.Errorf("state = %s/%d, want %s/0", state.CurrentID(), state.Count(), a.ID)
	}

	out = mustExec(t, reg, "mailbox_pick", `{"event_id":"`+b.ID+`"}`)
	want := "Error: Already processing event " + a.ID + ". Call mailbox_done first."
	if out != want {
		t.Errorf("second pick = %q, want %q", out, want)
	}
	if got, _ := mb.Get(b.ID); got.Status != mailbox.StatusPending {
		t.Errorf("rejected pick mutated %s to %s", b.ID, got.Status)
	}
}

func TestMailboxDone(t *testing.T) {
	reg, mb, state := newMailboxRegistry(t)

	if out := mustExec(t, reg, "mailbox_done", `{"summary":"x"}`); out != "Error: No event currently being processed." {
		t.Errorf("done without current = %q", out)
	}

	ev := mailbox.NewEvent(mailbox.TypeUserText, "hello", 5)
	mb.Put(ev)
	mustExec(t, reg, "mailbox_pick", `{"event_id":"`+ev.ID+`"}`)

	out := mustExec(t, reg, "mailbox_done", `{"summary":"said hi"}`)
	if out != "Event "+ev.ID+" completed and archived." {
		t.Errorf("done = %q", out)
	}
	if _, ok := state.Current(); ok {
		t.Error("state should be cleared")
	}
	if _, ok := mb.Get(ev.ID); ok {
		t.Error("event should leave the live set")
	}
	archived := mb.Archived()
	if len(archived) != 1 {
		t.Fatalf("archived %d, want 1", len(archived))
	}
	if archived[0].Status != mailbox.StatusCompleted || archived[0].Metadata["completion_summary"] != "said hi" {
		t.Errorf("archived = %+v", archived[0])
	}
}

func TestMailboxUpdate(t *testing.T) {
	reg, mb, state := newMailboxRegistry(t)

	ev := mailbox.NewEvent(mailbox.TypeUserText, "draft", 5)
	ev.Metadata["keep"] = "yes"
	mb.Put(ev)

	out := mustExec(t, reg, "mailbox_update", `{"event_id":"missing","content":"x"}`)
	if out != "Error: Event missing not found." {
		t.Errorf("update missing = %q", out)
	}

	out = mustExec(t, reg, "mailbox_update",
		`{"event_id":"`+ev.ID+`","content":"final","priority":7,"metadata":"{\"source\":\"cli\"}"}`)
	var got mailbox.Event
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Content != "final" || got.Priority != 7 {
		t.Errorf("updated = %+v", got)
	}
	if got.Metadata["keep"] != "yes" || got.Metadata["source"] != "cli" {
		t.Errorf("metadata = %v, want merged", got.Metadata)
	}

	if res := reg.Execute(context.Background(), "mailbox_update",
		`{"event_id":"`+ev.ID+`","metadata":"not json"}`); !res.IsError {
		t.Errorf("bad metadata accepted: %q", res.Output)
	}
	if res := reg.Execute(context.Background(), "mailbox_update",
		`{"event_id":"`+ev.ID+`","status":"completed"}`); !res.IsError {
		t.Errorf("status completed accepted: %q", res.Output)
	}

	// Suspending the current event releases it.
	mustExec(t, reg, "mailbox_pick", `{"event_id":"`+ev.ID+`"}`)
	mustExec(t, reg, "mailbox_update", `{"event_id":"`+ev.ID+`","status":"suspended","suspend_notes":"half done"}`)
	if _, ok := state.Current(); ok {
		t.Error("suspending the current event should clear state")
	}
	live, _ := mb.Get(ev.ID)
	if live.SuspendNotes == nil || *live.SuspendNotes != "half done" {
		t.Errorf("SuspendNotes = %v", live.SuspendNotes)
	}
}

func TestMailboxUpdate_RejectsProcessing(t *testing.T) {
	reg, mb, state := newMailboxRegistry(t)

	a := mailbox.NewEvent(mailbox.TypeUserText, "first", 5)
	b := mailbox.NewEvent(mailbox.TypeUserText, "second", 5)
	mb.Put(a)
	mb.Put(b)
	mustExec(t, reg, "mailbox_pick", `{"event_id":"`+a.ID+`"}`)

	for _, id := range []string{b.ID, a.ID} {
		res := reg.Execute(context.Background(), "mailbox_update", `{"event_id":"`+id+`","status":"processing"}`)
		if !res.IsError || !strings.Contains(res.Output, "mailbox_pick") {
			t.Errorf("update %s to processing = %+v, want error pointing at mailbox_pick", id, res)
		}
	}

	if got := len(mb.List(mailbox.StatusProcessing)); got != 1 {
		t.Errorf("processing events = %d, want 1", got)
	}
	if live, _ := mb.Get(b.ID); live.Status != mailbox.StatusPending {
		t.Errorf("second event status = %s, want pending", live.Status)
	}
	if cur, ok := state.Current(); !ok || cur.ID != a.ID {
		t.Errorf("current = %+v, want first event", cur)
	}

	tool, err := reg.Get("mailbox_update")
	if err != nil {
		t.Fatal(err)
	}
	status := tool.Parameters["properties"].(map[string]any)["status"].(map[string]any)
	for _, v := range status["enum"].([]any) {
		if v == "processing" {
			t.Error("mailbox_update schema still offers processing")
		}
	}
}

func TestMailboxUpdate_RefreshesCurrent(t *testing.T) {
	reg, mb, state := newMailboxRegistry(t)

	ev := mailbox.NewEvent(mailbox.TypeUserText, "x", 5)
	mb.Put(ev)
	mustExec(t, reg, "mailbox_pick", `{"event_id":"`+ev.ID+`"}`)
	state.Charge()

	mustExec(t, reg, "mailbox_update", `{"event_id":"`+ev.ID+`","priority":null,"content":"edited"}`)
	cur, ok := state.Current()
	if !ok || cur.Content != "edited" {
		t.Errorf("current = %+v, want refreshed content", cur)
	}
	if state.Count() != 1 {
		t.Errorf("Count = %d, refresh must keep the count", state.Count())
	}
}

func TestMailboxDelete(t *testing.T) {
	reg, mb, state := newMailboxRegistry(t)

	ev := mailbox.NewEvent(mailbox.TypeUserText, "x", 5)
	mb.Put(ev)
	mustExec(t, reg, "mailbox_pick", `{"event_id":"`+ev.ID+`"}`)

	if out := mustExec(t, reg, "mailbox_delete", `{"event_id":"`+ev.ID+`"}`); out != "Event "+ev.ID+" deleted." {
		t.Errorf("delete = %q", out)
	}
	if state.CurrentID() != "" {
		t.Error("deleting the current event should clear state")
	}
	if out := mustExec(t, reg, "mailbox_delete", `{"event_id":"`+ev.ID+`"}`); !strings.HasPrefix(out, "Error: Event") {
		t.Errorf("second delete = %q", out)
	}
}

func TestMailboxWait(t *testing.T) {
	reg, mb, _ := newMailboxRegistry(t)

	done := make(chan string, 1)
	go func() {
		done <- reg.Execute(context.Background(), "mailbox_wait", `{}`).Output
	}()

	select {
	case out := <-done:
		t.Fatalf("mailbox_wait returned early: %s", out)
	case <-time.After(100 * time.Millisecond):
	}

	mb.Put(mailbox.NewEvent(mailbox.TypeTimer, "tick", 0))

	select {
	case out := <-done:
		var got struct {
			PendingCount int             `json:"pending_count"`
			Events       []mailbox.Event `json:"events"`
		}
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("decode %q: %v", out, err)
		}
		if got.PendingCount != 1 || got.Events[0].Content != "tick" {
			t.Errorf("wait result = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox_wait did not wake after put")
	}
}

func TestMailboxWait_Cancelled(t *testing.T) {
	reg, _, _ := newMailboxRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := reg.Execute(ctx, "mailbox_wait", `{}`)
	if !res.IsError || !strings.Contains(res.Output, "context canceled") {
		t.Errorf("cancelled wait = %+v", res)
	}
}
