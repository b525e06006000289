// Package timer persists timers and turns the due ones into mailbox
// events. An interval timer re-arms itself after each firing; a once
// timer disables itself.
package timer

import "time"

// Kind identifies how a timer repeats.
type Kind string

const (
	KindInterval Kind = "interval" // Fires every IntervalSeconds
	KindOnce     Kind = "once"     // Fires once at FireAt
)

// DefaultMaxToolCalls is the budget given to events produced by timers
// created without one.
const DefaultMaxToolCalls = 15

// Timer is a stored trigger that produces timer events.
type Timer struct {
	ID              string     `json:"id"` // UUIDv7
	Name            string     `json:"name"`
	Type            Kind       `json:"timer_type"`
	IntervalSeconds *int       `json:"interval_seconds"`
	FireAt          time.Time  `json:"fire_at"`
	LastFiredAt     *time.Time `json:"last_fired_at"`
	Content         string     `json:"content"`
	MaxToolCalls    int        `json:"max_tool_calls"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Spec holds the caller-supplied fields of a new timer.
type Spec struct {
	Name            string
	Type            Kind
	Content         string
	IntervalSeconds *int
	FireAt          *time.Time
	MaxToolCalls    int
}
