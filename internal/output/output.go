// Package output delivers the agent's replies to wherever a person may
// be listening: the local console, connected WebSocket clients and the
// MQTT bridge.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message is one reply produced by the reply tool.
type Message struct {
	Text      string    `json:"text"`
	Speak     bool      `json:"speak"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Endpoint receives replies.
type Endpoint interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Multi fans a reply out to every registered endpoint.
type Multi struct {
	mu        sync.RWMutex
	endpoints []Endpoint
	logger    *slog.Logger
}

// NewMulti creates an empty fan-out.
func NewMulti(logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{logger: logger}
}

// Add registers an endpoint. Nil endpoints are ignored.
func (m *Multi) Add(e Endpoint) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = append(m.endpoints, e)
}

// Names lists the registered endpoints in registration order.
func (m *Multi) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.endpoints))
	for i, e := range m.endpoints {
		names[i] = e.Name()
	}
	return names
}

// Send delivers msg to all endpoints concurrently and joins their
// errors. Every endpoint is attempted even when another fails.
func (m *Multi) Send(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.RLock()
	endpoints := append([]Endpoint(nil), m.endpoints...)
	m.mu.RUnlock()

	errs := make([]error, len(endpoints))
	var wg sync.WaitGroup
	for i, e := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Send(ctx, msg); err != nil {
				m.logger.Warn("reply delivery failed", "endpoint", e.Name(), "error", err)
				errs[i] = fmt.Errorf("%s: %w", e.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Func adapts a function to an Endpoint.
type Func struct {
	N string
	F func(ctx context.Context, msg Message) error
}

func (f Func) Name() string                                { return f.N }
func (f Func) Send(ctx context.Context, msg Message) error { return f.F(ctx, msg) }
