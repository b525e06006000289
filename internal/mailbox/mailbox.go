// Package mailbox holds the queue of work items the agent drains. Events
// are not dequeued automatically: the model lists, picks and completes
// them through tools, and the mailbox only keeps them ordered and wakes
// anyone waiting for pending work.
package mailbox

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/nakari/internal/events"
)

type entry struct {
	ev  Event
	seq uint64
}

// Mailbox is a priority-ordered set of live Events plus an archive of
// completed ones. It is safe for concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	live    map[string]*entry
	archive []Event
	seq     uint64

	// signaled is the level-triggered notification flag. wake is closed
	// while it is set and replaced when a waiter clears it.
	signaled bool
	wake     chan struct{}

	logger *slog.Logger
	bus    *events.Bus
}

// New creates an empty mailbox. The bus may be nil.
func New(logger *slog.Logger, bus *events.Bus) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		live:   make(map[string]*entry),
		wake:   make(chan struct{}),
		logger: logger,
		bus:    bus,
	}
}

// Put inserts ev, or overwrites the live event with the same id while
// keeping its original position among equal priorities. Waiters are
// signaled.
func (m *Mailbox) Put(ev Event) {
	ev = ev.clone()
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.Status == "" {
		ev.Status = StatusPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	m.mu.Lock()
	if existing, ok := m.live[ev.ID]; ok {
		existing.ev = ev
	} else {
		m.seq++
		m.live[ev.ID] = &entry{ev: ev, seq: m.seq}
	}
	m.signalLocked()
	m.mu.Unlock()

	m.logger.Info("event enqueued", "event_id", ev.ID, "type", ev.Type, "priority", ev.Priority)
	m.bus.Emit(events.SourceMailbox, events.KindEventQueued, map[string]any{
		"event_id": ev.ID,
		"type":     string(ev.Type),
		"priority": ev.Priority,
	})
}

// Get returns a copy of the live event with the given id.
func (m *Mailbox) Get(id string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live[id]
	if !ok {
		return Event{}, false
	}
	return e.ev.clone(), true
}

// List returns live events with the given status, or all of them when
// status is empty, ordered by priority descending, then creation time,
// then insertion order.
func (m *Mailbox) List(status Status) []Event {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.live))
	for _, e := range m.live {
		if status == "" || e.ev.Status == status {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		if c := cmp.Compare(b.ev.Priority, a.ev.Priority); c != 0 {
			return c
		}
		if c := a.ev.CreatedAt.Compare(b.ev.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Event, len(entries))
	for i, e := range entries {
		out[i] = e.ev.clone()
	}
	m.mu.Unlock()
	return out
}

// Update applies p to the live event with the given id and returns the
// result. Moving an event back to pending signals waiters.
func (m *Mailbox) Update(id string, p Patch) (Event, bool) {
	m.mu.Lock()
	e, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return Event{}, false
	}
	p.apply(&e.ev)
	if p.Status != nil && *p.Status == StatusPending {
		m.signalLocked()
	}
	out := e.ev.clone()
	m.mu.Unlock()

	m.logger.Info("event updated", "event_id", id, "fields", p.Fields())
	return out, true
}

// Delete removes a live event. It reports whether the id was present.
func (m *Mailbox) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()

	if ok {
		m.logger.Info("event deleted", "event_id", id)
	}
	return ok
}

// Archive marks ev completed, drops it from the live set and appends it
// to the archive.
func (m *Mailbox) Archive(ev Event) {
	ev = ev.clone()
	ev.Status = StatusCompleted

	m.mu.Lock()
	delete(m.live, ev.ID)
	m.archive = append(m.archive, ev)
	m.mu.Unlock()

	m.logger.Info("event archived", "event_id", ev.ID)
}

// Archived returns the completed events, oldest first.
func (m *Mailbox) Archived() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.archive))
	for i, e := range m.archive {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of live events.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// PendingCount returns the number of live pending events.
func (m *Mailbox) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.live {
		if e.ev.Status == StatusPending {
			n++
		}
	}
	return n
}

// WaitForPending blocks until at least one live event is pending or ctx
// is done. Every concurrent waiter wakes on a signal and rechecks.
func (m *Mailbox) WaitForPending(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.hasPendingLocked() {
			m.mu.Unlock()
			return nil
		}
		// Clear the flag before waiting, then recheck so a Put that
		// landed between the check and the clear is not lost.
		if m.signaled {
			m.signaled = false
			m.wake = make(chan struct{})
		}
		if m.hasPendingLocked() {
			m.mu.Unlock()
			return nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mailbox) hasPendingLocked() bool {
	for _, e := range m.live {
		if e.ev.Status == StatusPending {
			return true
		}
	}
	return false
}

func (m *Mailbox) signalLocked() {
	if m.signaled {
		return
	}
	m.signaled = true
	close(m.wake)
}
