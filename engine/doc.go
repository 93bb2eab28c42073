// Package engine implements the core orchestration layer for actionmesh.
//
// The Engine drives chains of actions: an inbound event (Handle) or an
// initial NextAction (Run) selects the first action, every action emits
// events and may return the next action, and the chain ends when an action
// returns nil, the step limit is reached, the run is suspended or a lookup
// fails.
//
// # Core Responsibilities
//
// Action Management:
//   - Thread-safe action registry with name-based lookup
//   - Params schemas compiled once at registration
//   - Per-run snapshots so registration never races with execution
//
// Execution:
//   - Pull-driven iterators: an event is produced only after the consumer
//     accepted the previous one
//   - Step limiting against runaway NextAction cycles
//   - Fault isolation: errors and panics become "error" events
//   - Suspension as a terminal, non-fault emission
//
// Plugin Composition:
//   - OnBeforeRun / OnBeforeAction return explicit outcomes (continue,
//     redirect, respond, suspend, fail); the first decisive outcome wins
//   - OnAfterAction / OnAfterRun may emit further events
//   - OnEvent observes, replaces or halts on every forwarded event
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│              Transport (stream, CLI, tests)             │
//	├─────────────────────────────────────────────────────────┤
//	│  Run / Handle (iter.Seq)      Invoke / Cancel (chan)    │
//	├─────────────────────────────────────────────────────────┤
//	│  hook chain ─► params validation ─► action.Execute      │
//	│        ▲                                  │             │
//	│        └──────────── NextAction ◄─────────┘             │
//	├─────────────────────────────────────────────────────────┤
//	│  RunContext: state, locals, step limiter, event sink    │
//	└─────────────────────────────────────────────────────────┘
//
// # Cancellation
//
// Breaking out of the range loop makes RunContext.Emit return
// core.ErrStreamClosed; the current action returns and its deferred cleanup
// runs. Cancelling the context has the same effect at the next Emit. A panic
// raised inside the consumer's loop body is never converted into an error
// event; it propagates to the consumer unchanged.
//
// # Usage Example
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Config.Routes = map[string]string{core.TypeUserMessage: "chat"}
//	})
//	eng.MustRegister(chat, charge)
//
//	for ev := range eng.Handle(ctx, core.Request{Event: inbound}) {
//	    if ev.IsError() {
//	        log.Println(ev.Code())
//	    }
//	}
package engine
