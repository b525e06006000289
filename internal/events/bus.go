// Package events provides a publish/subscribe bus for agent state.
// The decision loop, the mailbox tools and the timer runner publish
// what they are doing; the WebSocket hub, the MQTT bridge and the
// metrics collector subscribe. The bus is nil-safe: calling Publish on
// a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the decision loop.
	SourceLoop = "loop"
	// SourceMailbox identifies events from mailbox bookkeeping tools.
	SourceMailbox = "mailbox"
	// SourceTimer identifies events from the timer runner.
	SourceTimer = "timer"
	// SourceOutput identifies replies emitted to the user.
	SourceOutput = "output"
	// SourceHealth identifies service health transitions.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindThinking signals an LLM request is in flight.
	// Data: event_id, iteration, messages, context_tokens.
	KindThinking = "thinking"
	// KindResponse signals an LLM response arrived.
	// Data: event_id, tool_calls, tokens_in, tokens_out, elapsed_ms.
	KindResponse = "response"
	// KindToolCall signals the start of a tool execution.
	// Data: event_id, tool, count, budget.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: event_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindBudgetExceeded signals a tool call was refused for budget.
	// Data: event_id, tool, count, budget.
	KindBudgetExceeded = "budget_exceeded"
	// KindNudge signals a turn without tool calls was steered.
	KindNudge = "nudge"
	// KindLoopError signals a recovered loop-level failure.
	// Data: error.
	KindLoopError = "loop_error"
	// KindCompressed signals the transcript was compressed.
	// Data: mode (passive|active), evicted, tokens.
	KindCompressed = "compressed"

	// KindEventQueued signals a new Event entered the mailbox.
	// Data: event_id, type, priority.
	KindEventQueued = "event_queued"
	// KindEventPicked signals an Event became current.
	// Data: event_id, budget.
	KindEventPicked = "event_picked"
	// KindEventDone signals the current Event was archived.
	// Data: event_id, tool_calls.
	KindEventDone = "event_done"
	// KindIdle signals the agent is waiting for pending work.
	KindIdle = "idle"

	// KindTimerFired signals a timer produced an Event.
	// Data: timer_id, timer_name, event_id.
	KindTimerFired = "timer_fired"

	// KindReply signals a reply was sent to the output endpoints.
	// Data: event_id, length, speak.
	KindReply = "reply"

	// KindServiceReady signals a watched service became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched service became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
