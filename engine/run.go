package engine

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/internal/util"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/samber/oops"
)

// run is the state of one Run/Handle invocation. It lives on the consumer's
// goroutine and is discarded when the chain ends.
type run struct {
	config     Config
	rc         *core.RunContext
	validators map[string]*util.Validator
	hooks      hookChain
	guard      *guard
	started    time.Time
	now        func() time.Time
}

// drive executes the chain produced by begin until it terminates.
func (r *run) drive(begin func() *core.NextAction) {
	r.rc.LogDebug("run started")
	defer r.finish()

	next := begin()
	requestedBy := ""
	for next != nil && next.Action != "" {
		next, requestedBy = r.step(*next, requestedBy)
	}
}

// begin turns an inbound event into the first NextAction.
func (r *run) begin(ev core.Event) *core.NextAction {
	rc := r.rc
	if !ev.Valid() {
		_ = rc.EmitTerminal(core.NewErrorEvent(core.CodeInvalidEvent, "event type is required", nil))
		return nil
	}

	out, plugin := r.hooks.beforeRun(r.guard, rc, core.BeforeRunInput{Event: ev})
	if !out.IsContinue() {
		return r.resolve(out, plugin, "")
	}

	name, ok := r.route(ev.Type)
	if !ok {
		rc.LogDebug("no route", "event_type", ev.Type)
		_ = rc.EmitTerminal(core.NewErrorEvent(
			core.CodeNoRoute,
			fmt.Sprintf("no action handles events of type %q", ev.Type),
			map[string]any{"eventType": ev.Type},
		))
		return nil
	}
	return &core.NextAction{Action: name, Params: core.CloneState(ev.Data)}
}

func (r *run) route(eventType string) (string, bool) {
	if name, ok := r.config.Routes[eventType]; ok && name != "" {
		return name, true
	}
	if r.config.DefaultAction != "" {
		return r.config.DefaultAction, true
	}
	return "", false
}

// step executes one action and returns the continuation together with the
// name of the action that requested it.
func (r *run) step(next core.NextAction, requestedBy string) (*core.NextAction, string) {
	rc := r.rc
	if rc.IsDone() || rc.StreamClosed() || rc.Err() != nil {
		return nil, ""
	}
	if rc.Limiter().Exhausted() {
		rc.LogDebug("step limit reached", "max_steps", rc.Limiter().Max(), "action", next.Action)
		if r.config.EmitStepLimitEvent {
			_ = rc.EmitTerminal(core.NewEvent(core.TypeStepLimit, map[string]any{
				"maxSteps": rc.Limiter().Max(),
				"action":   next.Action,
			}))
		}
		return nil, ""
	}

	action, ok := rc.Lookup(next.Action)
	if !ok {
		r.notFound(next.Action, requestedBy)
		return nil, ""
	}
	_ = rc.Limiter().Increment()

	params := core.CloneState(next.Params)
	rc.LogDebug("step", "action", action.Name(), "step", rc.StepCount(), "requested_by", requestedBy)

	out, plugin := r.hooks.beforeAction(r.guard, rc, core.BeforeActionInput{
		Action:      action,
		Params:      params,
		Next:        next,
		RequestedBy: requestedBy,
	})
	if !out.IsContinue() {
		return r.resolve(out, plugin, action.Name()), action.Name()
	}

	if err := r.validators[action.Name()].Validate(params); err != nil {
		rc.LogDebug("invalid params", "action", action.Name(), "error", err)
		_ = rc.EmitTerminal(core.NewErrorEvent(core.CodeInvalidParams, err.Error(), map[string]any{"action": action.Name()}))
		return nil, ""
	}

	var (
		result *core.NextAction
		actErr error
	)
	if perr := r.guard.call(func() { result, actErr = action.Execute(rc, params) }); perr != nil {
		actErr = perr
	}

	if s, ok := core.AsSuspension(actErr); ok {
		_ = rc.Suspend(s.Event)
	}
	if _, ok := rc.Suspended(); ok {
		r.suspended(action.Name())
		return nil, ""
	}
	if actErr != nil {
		if r.interrupted() {
			rc.LogDebug("action interrupted", "action", action.Name(), "error", actErr)
			return nil, ""
		}
		r.fault(action.Name(), actErr, core.CodeActionFailed)
		return nil, ""
	}

	if plugin, err := r.hooks.afterAction(r.guard, rc, core.AfterActionInput{
		Action: action,
		Params: params,
		Result: result,
	}, rc.Emit); err != nil {
		if s, ok := core.AsSuspension(err); ok {
			_ = rc.Suspend(s.Event)
		}
		switch {
		case rc.IsDone():
		case r.interrupted():
			return nil, ""
		default:
			r.fault(action.Name(), err, core.CodeHookFailed, "plugin", plugin)
			return nil, ""
		}
	}
	if _, ok := rc.Suspended(); ok {
		r.suspended(action.Name())
		return nil, ""
	}
	if rc.IsDone() || result == nil || result.Action == "" {
		return nil, ""
	}
	return result, action.Name()
}

// resolve applies a decisive hook outcome and returns the redirect target,
// or nil when the outcome ends the chain.
func (r *run) resolve(out core.Outcome, plugin, action string) *core.NextAction {
	rc := r.rc
	switch out.Kind {
	case core.OutcomeRedirect:
		rc.LogDebug("hook redirected run", "plugin", plugin, "from", action, "to", out.Next.Action)
		return out.Next
	case core.OutcomeRespond:
		rc.LogDebug("hook responded", "plugin", plugin, "event_type", out.Event.Type)
		_ = rc.EmitTerminal(*out.Event)
	case core.OutcomeSuspend:
		ev := core.NewSuspendedEvent()
		if out.Event != nil && out.Event.Valid() {
			ev = *out.Event
		}
		_ = rc.Suspend(ev)
		r.suspended(action)
	case core.OutcomeFail:
		r.fault(action, out.Err, core.CodeHookFailed, "plugin", plugin)
	}
	return nil
}

func (r *run) notFound(name, requestedBy string) {
	fields := map[string]any{"action": name}
	msg := fmt.Sprintf("action %q not found", name)
	if requestedBy != "" {
		fields["requestedBy"] = requestedBy
		msg = fmt.Sprintf("action %q requested by %q not found", name, requestedBy)
	}
	r.rc.LogWarn("action not found", "action", name, "requested_by", requestedBy)
	_ = r.rc.EmitTerminal(core.NewErrorEvent(core.CodeActionNotFound, msg, fields))
}

func (r *run) suspended(action string) {
	s, _ := r.rc.Suspended()
	if err := r.rc.FlushSuspension(); err != nil {
		r.rc.LogDebug("suspension not delivered", "error", err)
	}
	r.rc.LogInfo("run suspended", "action", action, "event_type", s.Event.Type)
}

func (r *run) fault(action string, err error, fallback string, args ...any) {
	rc := r.rc
	logging.LogError(rc.Logger(), "run fault", err, append([]any{"run_id", rc.RunID, "action", action}, args...)...)

	fields := map[string]any{}
	if action != "" {
		fields["action"] = action
	}
	if r.config.ExposeStack {
		if st := stackOf(err); st != "" {
			fields["stack"] = st
		}
	}
	_ = rc.EmitTerminal(core.NewErrorEvent(core.ErrorCode(err, fallback), core.ErrorMessage(err), fields))
}

// interrupted reports whether the consumer or the context ended the run.
func (r *run) interrupted() bool {
	return r.rc.StreamClosed() || r.rc.Err() != nil
}

func (r *run) finish() {
	rc := r.rc
	if rc.ConsumerPanicked() {
		return
	}
	_ = rc.FlushSuspension()

	if err := r.hooks.afterRun(r.guard, rc, rc.Emit); err != nil && !r.interrupted() {
		if _, ok := core.AsSuspension(err); !ok {
			logging.LogError(rc.Logger(), "after-run hook failed", err, "run_id", rc.RunID)
		}
	}

	_, suspended := rc.Suspended()
	rc.LogDebug("run finished",
		"steps", rc.StepCount(),
		"suspended", suspended,
		"stream_closed", rc.StreamClosed(),
		"duration", r.now().Sub(r.started),
	)
}

// guard converts panics raised by actions and hooks into errors. Panics that
// originate in the consumer's loop body are re-raised unchanged.
type guard struct {
	rc *core.RunContext
}

func (g *guard) call(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if g.rc.ConsumerPanicked() {
				panic(v)
			}
			err = &panicError{value: v, stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

func stackOf(err error) string {
	if pe, ok := err.(*panicError); ok {
		return string(pe.stack)
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Stacktrace()
	}
	return ""
}
