package mailbox

import "sync"

// LoopState tracks the event the agent is working on and how many tool
// calls it has spent on it. The loop goroutine owns it; the mutex lets
// status publishers read it concurrently.
type LoopState struct {
	mu      sync.Mutex
	current *Event
	count   int
}

// Current returns a copy of the current event, if any.
func (s *LoopState) Current() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Event{}, false
	}
	return s.current.clone(), true
}

// CurrentID returns the id of the current event, or "".
func (s *LoopState) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.ID
}

// SetCurrent installs ev as the current event and resets the count.
func (s *LoopState) SetCurrent(ev Event) {
	c := ev.clone()
	s.mu.Lock()
	s.current = &c
	s.count = 0
	s.mu.Unlock()
}

// Refresh replaces the snapshot of the current event without touching
// the count. It is a no-op when ev is not the current event.
func (s *LoopState) Refresh(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != ev.ID {
		return
	}
	c := ev.clone()
	s.current = &c
}

// Clear drops the current event and resets the count.
func (s *LoopState) Clear() {
	s.mu.Lock()
	s.current = nil
	s.count = 0
	s.mu.Unlock()
}

// Charge counts one tool call against the current event. It returns the
// new count and the event's budget, or ok=false when no event is
// current and nothing was charged.
func (s *LoopState) Charge() (count, budget int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0, 0, false
	}
	s.count++
	return s.count, s.current.MaxToolCalls, true
}

// Count returns the number of tool calls charged to the current event.
func (s *LoopState) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
