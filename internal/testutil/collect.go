package testutil

import (
	"iter"
	"testing"

	"github.com/hupe1980/actionmesh/core"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Collect drains an event iterator.
func Collect(seq iter.Seq[core.Event]) []core.Event {
	var events []core.Event
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

// Take drains at most n events and then stops the iterator.
func Take(seq iter.Seq[core.Event], n int) []core.Event {
	var events []core.Event
	if n <= 0 {
		return events
	}
	for ev := range seq {
		events = append(events, ev)
		if len(events) == n {
			break
		}
	}
	return events
}

// Types returns the type of every event, in order.
func Types(events []core.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// Texts returns the text payloads of text-delta and message events.
func Texts(events []core.Event) []string {
	var texts []string
	for _, ev := range events {
		if ev.Type == core.TypeTextDelta || ev.Type == core.TypeMessage {
			texts = append(texts, ev.Text())
		}
	}
	return texts
}

// Find returns the first event of the given type.
func Find(events []core.Event, eventType string) (core.Event, bool) {
	for _, ev := range events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return core.Event{}, false
}

// RequireErrorEvent asserts that events holds exactly one error event with
// code and returns it.
func RequireErrorEvent(t *testing.T, events []core.Event, code string) core.Event {
	t.Helper()
	var found []core.Event
	for _, ev := range events {
		if ev.IsError() {
			found = append(found, ev)
		}
	}
	require.Len(t, found, 1, "expected exactly one error event, got %v", Types(events))
	assert.Equal(t, code, found[0].Code())
	return found[0]
}

// AssertErrorCode asserts that err is an oops error with the given code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	_, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	assert.Equal(t, code, core.ErrorCode(err, ""))
}
