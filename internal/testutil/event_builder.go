package testutil

import (
	"maps"

	"github.com/hupe1980/actionmesh/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder(core.TypeUserMessage).Set("text", "hello").Role(core.RoleUser).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	ev core.Event
}

// NewEventBuilder creates a builder for an event of the given type.
func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{ev: core.Event{Type: eventType}}
}

// ID overrides the event ID (chainable). Use mainly in tests where determinism matters.
func (b *EventBuilder) ID(id string) *EventBuilder { b.ev.ID = id; return b }

// Set stores a data key/value pair (chainable).
func (b *EventBuilder) Set(key string, val any) *EventBuilder {
	if b.ev.Data == nil {
		b.ev.Data = map[string]any{}
	}
	b.ev.Data[key] = val
	return b
}

// Data merges data into the event payload (chainable).
func (b *EventBuilder) Data(data map[string]any) *EventBuilder {
	if b.ev.Data == nil {
		b.ev.Data = map[string]any{}
	}
	maps.Copy(b.ev.Data, data)
	return b
}

// Role sets the producer role (chainable).
func (b *EventBuilder) Role(role string) *EventBuilder {
	b.meta().Role = role
	return b
}

// RunID sets the run id carried in Meta (chainable).
func (b *EventBuilder) RunID(id string) *EventBuilder {
	b.meta().RunID = id
	return b
}

// Slot sets the UI slot carried in Meta (chainable).
func (b *EventBuilder) Slot(slot string) *EventBuilder {
	b.meta().Slot = slot
	return b
}

// UI attaches an opaque UI node (chainable).
func (b *EventBuilder) UI(node any) *EventBuilder { b.ev.UI = node; return b }

// Build returns the constructed event.
func (b *EventBuilder) Build() core.Event { return b.ev }

// Request wraps the event in a core.Request (chainable terminal).
func (b *EventBuilder) Request() *RequestBuilder {
	return &RequestBuilder{req: core.Request{Event: b.ev}}
}

func (b *EventBuilder) meta() *core.Meta {
	if b.ev.Meta == nil {
		b.ev.Meta = &core.Meta{}
	}
	return b.ev.Meta
}

// RequestBuilder helps construct inbound requests with fluent chaining.
// Example:
//
//	req := NewEventBuilder("user-message").Set("message", "hi").Request().RunID("r1").State("k", "v").Build()
type RequestBuilder struct {
	req core.Request
}

// RunID sets the request's run id (chainable).
func (b *RequestBuilder) RunID(id string) *RequestBuilder { b.req.RunID = id; return b }

// State sets or overwrites a state key/value pair (chainable).
func (b *RequestBuilder) State(key string, val any) *RequestBuilder {
	if b.req.State == nil {
		b.req.State = map[string]any{}
	}
	b.req.State[key] = val
	return b
}

// Build returns the constructed request.
func (b *RequestBuilder) Build() core.Request { return b.req }
