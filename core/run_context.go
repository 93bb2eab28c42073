package core

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hupe1980/actionmesh/logging"
	"github.com/samber/oops"
)

// RunContext is the mutable, per-run scope handed to actions and hooks. It
// aggregates:
//   - the ambient cancellation Context
//   - the RunID and the run's State bag
//   - an immutable snapshot of the action table
//   - the step limiter and the done flag
//   - the event sink connecting Emit to the consumer
//
// A RunContext is created once per run and is never shared between runs, so
// none of its fields are synchronized. State is a deep copy of whatever the
// caller supplied; mutations never leak into other runs.
type RunContext struct {
	RunID string
	State map[string]any

	ctx        context.Context
	actions    map[string]Action
	limiter    *StepLimiter
	yield      func(Event) bool
	eventHooks []func(*RunContext, Event) Outcome
	now        func() time.Time
	locals     map[any]any

	done             bool
	halt             error
	suspension       *Suspension
	suspensionSent   bool
	consumerPanicked bool

	*loggerAdapter
}

// RunContextConfig holds the inputs of NewRunContext.
type RunContextConfig struct {
	Context  context.Context
	RunID    string
	State    map[string]any
	Actions  map[string]Action
	MaxSteps int
	// Yield receives every forwarded event and reports whether the consumer
	// wants more.
	Yield      func(Event) bool
	EventHooks []func(*RunContext, Event) Outcome
	Logger     logging.Logger
	Now        func() time.Time
}

// NewRunContext constructs a RunContext. State is deep-copied and the action
// table is snapshotted.
func NewRunContext(cfg RunContextConfig) *RunContext {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	yield := cfg.Yield
	if yield == nil {
		yield = func(Event) bool { return true }
	}
	actions := make(map[string]Action, len(cfg.Actions))
	for name, a := range cfg.Actions {
		actions[name] = a
	}
	return &RunContext{
		RunID:         cfg.RunID,
		State:         CloneState(cfg.State),
		ctx:           ctx,
		actions:       actions,
		limiter:       NewStepLimiter(cfg.MaxSteps),
		yield:         yield,
		eventHooks:    cfg.EventHooks,
		now:           now,
		locals:        map[any]any{},
		loggerAdapter: newLoggerAdapter(cfg.Logger, cfg.RunID),
	}
}

// Context returns the run's cancellation context.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Done returns a channel closed when the run's context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.ctx.Done() }

// Err returns the context cancellation error, if any.
func (rc *RunContext) Err() error { return rc.ctx.Err() }

// Now returns the run's clock reading.
func (rc *RunContext) Now() time.Time { return rc.now() }

// GetState returns the value stored under k.
func (rc *RunContext) GetState(k string) (any, bool) {
	v, ok := rc.State[k]
	return v, ok
}

// SetState stores v under k.
func (rc *RunContext) SetState(k string, v any) { rc.State[k] = v }

// DeleteState removes k.
func (rc *RunContext) DeleteState(k string) { delete(rc.State, k) }

// Local returns a run-local value. Locals never leave the process and are not
// part of State, so clients cannot forge them.
func (rc *RunContext) Local(key any) (any, bool) {
	v, ok := rc.locals[key]
	return v, ok
}

// SetLocal stores a run-local value.
func (rc *RunContext) SetLocal(key, v any) { rc.locals[key] = v }

// DeleteLocal removes a run-local value.
func (rc *RunContext) DeleteLocal(key any) { delete(rc.locals, key) }

// Lookup resolves an action from the run's action table.
func (rc *RunContext) Lookup(name string) (Action, bool) {
	a, ok := rc.actions[name]
	return a, ok
}

// ActionNames returns the sorted names of all actions available to the run.
func (rc *RunContext) ActionNames() []string {
	names := make([]string, 0, len(rc.actions))
	for name := range rc.actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StepCount returns how many actions the run has started.
func (rc *RunContext) StepCount() int { return rc.limiter.Count() }

// Limiter exposes the run's step limiter.
func (rc *RunContext) Limiter() *StepLimiter { return rc.limiter }

// IsDone reports whether the run has been marked finished (e.g. suspended).
func (rc *RunContext) IsDone() bool { return rc.done }

// Emit stamps ev and forwards it to the consumer through the OnEvent hooks.
// It blocks until the consumer accepted the event. A non-nil error means the
// action must stop: ErrStreamClosed when the consumer is gone, the context
// error on cancellation, or the *Suspension once the run was suspended.
func (rc *RunContext) Emit(ev Event) error {
	if rc.halt != nil {
		return rc.halt
	}
	if err := rc.ctx.Err(); err != nil {
		return err
	}
	if !ev.Valid() {
		return oops.Code(CodeInvalidEvent).Errorf("event type is required")
	}

	ev = ev.stamp(rc.RunID, rc.now())
	for _, hook := range rc.eventHooks {
		out := hook(rc, ev)
		switch out.Kind {
		case OutcomeRespond:
			if out.Event != nil {
				ev = out.Event.stamp(rc.RunID, rc.now())
			}
		case OutcomeSuspend:
			var suspendErr error
			if out.Event != nil {
				suspendErr = rc.Suspend(*out.Event)
			} else {
				suspendErr = rc.Suspend()
			}
			if err := rc.FlushSuspension(); err != nil {
				return err
			}
			return suspendErr
		case OutcomeFail:
			if out.Err != nil {
				return out.Err
			}
		}
	}
	return rc.forward(ev)
}

// EmitTerminal forwards an event produced by the runtime itself (errors,
// suspension, hook responses). It bypasses a suspension halt, but not a
// closed stream or a cancelled context. OnEvent hooks observe the event but
// cannot replace or suspend it.
func (rc *RunContext) EmitTerminal(ev Event) error {
	if errors.Is(rc.halt, ErrStreamClosed) {
		return rc.halt
	}
	if err := rc.ctx.Err(); err != nil {
		return err
	}
	ev = ev.stamp(rc.RunID, rc.now())
	for _, hook := range rc.eventHooks {
		_ = hook(rc, ev)
	}
	return rc.forward(ev)
}

// Suspend marks the run done and returns the *Suspension carrying ev (or a
// default run-suspended event). Actions return the result directly:
//
//	return nil, rc.Suspend(core.NewEvent(core.TypeHITLRequired, data))
//
// The engine emits the suspension event once the action returned. Further
// Emit calls fail with the *Suspension.
func (rc *RunContext) Suspend(ev ...Event) error {
	if rc.suspension == nil {
		e := NewSuspendedEvent()
		if len(ev) > 0 && ev[0].Valid() {
			e = ev[0]
		}
		rc.suspension = &Suspension{Event: e}
	}
	rc.done = true
	if rc.halt == nil {
		rc.halt = rc.suspension
	}
	return rc.suspension
}

// Suspended returns the run's suspension, if any.
func (rc *RunContext) Suspended() (*Suspension, bool) {
	return rc.suspension, rc.suspension != nil
}

// FlushSuspension emits the pending suspension event exactly once.
func (rc *RunContext) FlushSuspension() error {
	if rc.suspension == nil || rc.suspensionSent {
		return nil
	}
	rc.suspensionSent = true
	return rc.EmitTerminal(rc.suspension.Event)
}

// StreamClosed reports whether the consumer stopped pulling events.
func (rc *RunContext) StreamClosed() bool { return errors.Is(rc.halt, ErrStreamClosed) }

// ConsumerPanicked reports whether a panic originated in the consumer while
// an event was being delivered. Such panics belong to the consumer and must
// not be converted into error events.
func (rc *RunContext) ConsumerPanicked() bool { return rc.consumerPanicked }

func (rc *RunContext) forward(ev Event) error {
	if !rc.send(ev) {
		rc.halt = streamClosed()
		return rc.halt
	}
	return nil
}

func (rc *RunContext) send(ev Event) bool {
	panicked := true
	defer func() {
		if panicked {
			rc.consumerPanicked = true
			rc.halt = streamClosed()
		}
	}()
	ok := rc.yield(ev)
	panicked = false
	return ok
}
