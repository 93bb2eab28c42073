// Package core provides the foundational domain types and the per-run
// execution context used by actionmesh. It defines the core abstractions for:
//
//   - Events (immutable envelopes flowing from actions to clients)
//   - Actions and NextAction (named units of work and their continuation)
//   - RunContext (the per-run state bag, step limiter and event sink)
//   - Plugins and Outcome (lifecycle hooks and their explicit results)
//
// The package keeps orchestration (engine), transport (stream) and approval
// persistence (pending) out of scope, exposing small types so they can be
// composed freely.
package core
