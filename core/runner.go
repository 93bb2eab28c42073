package core

import (
	"context"
	"iter"
)

// Request is an inbound event addressed to a runner. RunID and State are
// optional; a fresh run id is generated when RunID is empty.
type Request struct {
	Event Event          `json:"event"`
	RunID string         `json:"runId,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

// Runner turns an inbound request into a stream of events.
//
// Semantics & Guarantees:
//   - Event Ordering: events are delivered in the order actions produce them.
//   - Backpressure: the sequence is pull-driven; no event is produced before
//     the consumer accepted the previous one.
//   - Cancellation: breaking out of the range loop or cancelling ctx stops
//     the run and runs the deferred cleanup of the current action.
//   - Errors: every failure is delivered as an event of type "error"; there is
//     no separate error channel.
type Runner interface {
	Handle(ctx context.Context, req Request) iter.Seq[Event]
}
