package engine

import (
	"errors"

	"github.com/hupe1980/actionmesh/core"
)

// hookChain is the ordered set of plugins a run was started with. Each phase
// walks the plugins in registration order; for the outcome-returning phases
// the first non-continue outcome wins and later plugins are skipped.
type hookChain struct {
	plugins []core.Plugin
}

func newHookChain(plugins []core.Plugin) hookChain {
	return hookChain{plugins: append([]core.Plugin(nil), plugins...)}
}

// beforeRun returns the first decisive OnBeforeRun outcome and the name of
// the plugin that produced it.
func (h hookChain) beforeRun(g *guard, rc *core.RunContext, in core.BeforeRunInput) (core.Outcome, string) {
	for _, p := range h.plugins {
		if p.OnBeforeRun == nil {
			continue
		}
		var out core.Outcome
		if err := g.call(func() { out = p.OnBeforeRun(rc, in) }); err != nil {
			return core.Fail(err), p.Name
		}
		if out = normalize(out); !out.IsContinue() {
			return out, p.Name
		}
	}
	return core.Continue(), ""
}

// beforeAction returns the first decisive OnBeforeAction outcome.
func (h hookChain) beforeAction(g *guard, rc *core.RunContext, in core.BeforeActionInput) (core.Outcome, string) {
	for _, p := range h.plugins {
		if p.OnBeforeAction == nil {
			continue
		}
		var out core.Outcome
		if err := g.call(func() { out = p.OnBeforeAction(rc, in) }); err != nil {
			return core.Fail(err), p.Name
		}
		if out = normalize(out); !out.IsContinue() {
			return out, p.Name
		}
	}
	return core.Continue(), ""
}

// afterAction runs every OnAfterAction hook and stops at the first error.
func (h hookChain) afterAction(g *guard, rc *core.RunContext, in core.AfterActionInput, emit core.Emitter) (string, error) {
	for _, p := range h.plugins {
		if p.OnAfterAction == nil {
			continue
		}
		var err error
		if perr := g.call(func() { err = p.OnAfterAction(rc, in, emit) }); perr != nil {
			return p.Name, perr
		}
		if err != nil {
			return p.Name, err
		}
	}
	return "", nil
}

// afterRun runs every OnAfterRun hook. Errors are collected so that one
// failing plugin does not prevent the others from observing the end of the
// run.
func (h hookChain) afterRun(g *guard, rc *core.RunContext, emit core.Emitter) error {
	var errs []error
	for _, p := range h.plugins {
		if p.OnAfterRun == nil {
			continue
		}
		var err error
		if perr := g.call(func() { err = p.OnAfterRun(rc, emit) }); perr != nil {
			err = perr
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h hookChain) eventHooks() []func(*core.RunContext, core.Event) core.Outcome {
	var hooks []func(*core.RunContext, core.Event) core.Outcome
	for _, p := range h.plugins {
		if p.OnEvent != nil {
			hooks = append(hooks, p.OnEvent)
		}
	}
	return hooks
}

// normalize turns incomplete outcomes into Continue so a hook returning
// Redirect(nil) or Respond(nil) cannot end a run by accident.
func normalize(out core.Outcome) core.Outcome {
	switch out.Kind {
	case core.OutcomeRedirect:
		if out.Next == nil || out.Next.Action == "" {
			return core.Continue()
		}
	case core.OutcomeRespond:
		if out.Event == nil || !out.Event.Valid() {
			return core.Continue()
		}
	case core.OutcomeFail:
		if out.Err == nil {
			out.Err = errors.New("hook failed")
		}
	}
	return out
}
