// Package dispatch implements an event-handler runtime: handlers are
// registered per event type on a Builder, and every event a handler yields is
// output and fed back through the same dispatch path before the handler
// resumes.
//
// Ordering is depth-first. Given handlers H1 and H2 for the same type, where
// H1 yields an event handled by H3, H3's output appears before H2 runs.
//
// Re-entrant emissions made through Scope.Emit are queued and drained in FIFO
// order once the current dispatch completes, so they never interleave with
// an in-flight fan-out.
//
// A Runtime is exposed to the engine with NewAction, which routes all output
// through the run's RunContext.
package dispatch
