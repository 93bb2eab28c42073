package core

import (
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known event types. The set is open: actions and plugins may emit any
// non-empty type string and consumers dispatch on it.
const (
	TypeError           = "error"
	TypeRunSuspended    = "run-suspended"
	TypeHITLRequired    = "hitl-required"
	TypeActionApproved  = "action-approved"
	TypeActionRejected  = "action-rejected"
	TypeTextDelta       = "text-delta"
	TypeMessage         = "message"
	TypeStatus          = "status"
	TypeUI              = "ui"
	TypeUserMessage     = "user-message"
	TypeToolCall        = "tool-call"
	TypeStepLimit       = "step-limit"
	TypeWildcard        = "*"
	RoleAssistant       = "assistant"
	RoleUser            = "user"
	RoleSystem          = "system"
	defaultSuspendedMsg = "run suspended"
)

// Meta carries correlation data attached to an Event. RunID is stamped by the
// engine; the remaining fields belong to the producer.
type Meta struct {
	Role  string         `json:"role,omitempty"`
	RunID string         `json:"runId,omitempty"`
	Slot  string         `json:"slot,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

// Event is the immutable envelope flowing from actions to clients. Type is the
// only required field. After emission an Event must be treated as read-only;
// the engine stamps ID, Meta.RunID and Timestamp on a copy and never touches
// Data.
//
// UI is an opaque payload (a render tree for the client). The runtime never
// inspects it.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Meta      *Meta          `json:"meta,omitempty"`
	UI        any            `json:"ui,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

// NewEvent creates an event of the given type carrying data.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data}
}

// NewTextDelta creates an assistant text fragment event.
func NewTextDelta(text string) Event {
	return Event{
		Type: TypeTextDelta,
		Data: map[string]any{"text": text},
		Meta: &Meta{Role: RoleAssistant},
	}
}

// NewErrorEvent creates a user-visible error event. The code is a stable
// machine readable identifier; fields are merged into Data.
func NewErrorEvent(code, message string, fields map[string]any) Event {
	data := make(map[string]any, len(fields)+2)
	maps.Copy(data, fields)
	data["code"] = code
	data["message"] = message
	return Event{Type: TypeError, Data: data}
}

// NewSuspendedEvent returns the default event emitted when a run suspends
// without supplying its own event.
func NewSuspendedEvent() Event {
	return Event{Type: TypeRunSuspended, Data: map[string]any{"message": defaultSuspendedMsg}}
}

// NewID returns a lexicographically sortable unique identifier for events.
func NewID() string { return ulid.Make().String() }

// IsError reports whether the event is an error event.
func (e Event) IsError() bool { return e.Type == TypeError }

// Valid reports whether the event carries the required discriminator.
func (e Event) Valid() bool { return e.Type != "" }

// Code returns the error code of an error event or "" otherwise.
func (e Event) Code() string {
	if !e.IsError() {
		return ""
	}
	code, _ := e.Data["code"].(string)
	return code
}

// Text returns the text payload of text-delta and message events.
func (e Event) Text() string {
	text, _ := e.Data["text"].(string)
	return text
}

// stamp returns a copy of e carrying runID, a fresh ID when absent and the
// capture time. Meta is copied so the producer's value is never mutated.
func (e Event) stamp(runID string, now time.Time) Event {
	if e.ID == "" {
		e.ID = NewID()
	}
	meta := Meta{}
	if e.Meta != nil {
		meta = *e.Meta
	}
	meta.RunID = runID
	e.Meta = &meta
	e.Timestamp = now.UTC()
	return e
}
