package mailbox

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies where an Event came from.
type Type string

// Event types.
const (
	TypeUserText      Type = "user_text"
	TypeASRTranscript Type = "asr_transcript"
	TypeTimer         Type = "timer"
	TypeSelfCreated   Type = "self_created"
	TypeSystem        Type = "system"
)

// ParseType validates s as an event type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeUserText, TypeASRTranscript, TypeTimer, TypeSelfCreated, TypeSystem:
		return t, nil
	}
	return "", fmt.Errorf("invalid event type %q", s)
}

// Status is the lifecycle state of an Event.
type Status string

// Event statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusSuspended  Status = "suspended"
)

// ParseStatus validates s as an event status. Completed is only ever
// assigned by Archive, so it is rejected here.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusSuspended:
		return st, nil
	}
	return "", fmt.Errorf("invalid event status %q", s)
}

// DefaultMaxToolCalls is the per-event budget used when a producer
// does not supply one.
const DefaultMaxToolCalls = 30

// Attachment references binary content carried by an Event, such as
// the audio behind a transcript.
type Attachment struct {
	MimeType string         `json:"mime_type"`
	URI      string         `json:"uri"`
	Metadata map[string]any `json:"metadata"`
}

// Event is a unit of work in the mailbox.
type Event struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"`
	Content      string         `json:"content"`
	Attachments  []Attachment   `json:"attachments"`
	MaxToolCalls int            `json:"max_tool_calls"`
	Metadata     map[string]any `json:"metadata"`
	SuspendNotes *string        `json:"suspend_notes"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewEvent returns a pending Event with a fresh id. A non-positive
// maxToolCalls falls back to DefaultMaxToolCalls.
func NewEvent(typ Type, content string, maxToolCalls int) Event {
	if maxToolCalls <= 0 {
		maxToolCalls = DefaultMaxToolCalls
	}
	return Event{
		ID:           NewID(),
		Type:         typ,
		Status:       StatusPending,
		Content:      content,
		Attachments:  []Attachment{},
		MaxToolCalls: maxToolCalls,
		Metadata:     map[string]any{},
		CreatedAt:    time.Now(),
	}
}

// NewID returns a 12 character hex id drawn from a random UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// clone returns a copy that shares no mutable state with e.
func (e Event) clone() Event {
	c := e
	if e.Attachments != nil {
		c.Attachments = make([]Attachment, len(e.Attachments))
		for i, a := range e.Attachments {
			a.Metadata = maps.Clone(a.Metadata)
			c.Attachments[i] = a
		}
	}
	c.Metadata = maps.Clone(e.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if e.SuspendNotes != nil {
		notes := *e.SuspendNotes
		c.SuspendNotes = &notes
	}
	return c
}

// Patch names the fields of an Event to change. Nil fields are left
// alone; Metadata is merged key by key.
type Patch struct {
	Content      *string
	Priority     *int
	Status       *Status
	SuspendNotes *string
	Metadata     map[string]any
	MaxToolCalls *int
}

// Fields lists the names of the fields the patch touches, for logging.
func (p Patch) Fields() []string {
	var f []string
	if p.Content != nil {
		f = append(f, "content")
	}
	if p.Priority != nil {
		f = append(f, "priority")
	}
	if p.Status != nil {
		f = append(f, "status")
	}
	if p.SuspendNotes != nil {
		f = append(f, "suspend_notes")
	}
	if p.Metadata != nil {
		f = append(f, "metadata")
	}
	if p.MaxToolCalls != nil {
		f = append(f, "max_tool_calls")
	}
	return f
}

func (p Patch) apply(e *Event) {
	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.SuspendNotes != nil {
		notes := *p.SuspendNotes
		e.SuspendNotes = &notes
	}
	if p.Metadata != nil {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(e.Metadata, p.Metadata)
	}
	if p.MaxToolCalls != nil && *p.MaxToolCalls > 0 {
		e.MaxToolCalls = *p.MaxToolCalls
	}
}
