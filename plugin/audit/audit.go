// Package audit writes an audit trail of run lifecycle decisions to a
// logging.Logger.
package audit

import (
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/logging"
)

// Mode controls which records are written.
type Mode string

// Audit modes.
const (
	ModeMinimal Mode = "minimal" // approvals, rejections, faults, suspensions
	ModeAll     Mode = "all"     // everything, including every step
)

// Options configures the plugin.
type Options struct {
	Logger logging.Logger
	Mode   Mode
}

// New returns the audit plugin.
func New(optFns ...func(o *Options)) core.Plugin {
	opts := Options{Logger: logging.NoOpLogger{}, Mode: ModeMinimal}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	a := &auditor{log: opts.Logger, all: opts.Mode == ModeAll}

	return core.Plugin{
		Name:          "audit",
		OnBeforeRun:   a.beforeRun,
		OnAfterAction: a.afterAction,
		OnEvent:       a.onEvent,
		OnAfterRun:    a.afterRun,
	}
}

type auditor struct {
	log logging.Logger
	all bool
}

func (a *auditor) beforeRun(rc *core.RunContext, in core.BeforeRunInput) core.Outcome {
	switch in.Event.Type {
	case core.TypeActionApproved, core.TypeActionRejected:
		a.log.Info("audit: approval decision received", "run_id", rc.RunID, "decision", in.Event.Type)
	default:
		if a.all {
			a.log.Info("audit: run received", "run_id", rc.RunID, "event_type", in.Event.Type)
		}
	}
	return core.Continue()
}

func (a *auditor) afterAction(rc *core.RunContext, in core.AfterActionInput, _ core.Emitter) error {
	if !a.all {
		return nil
	}
	next := ""
	if in.Result != nil {
		next = in.Result.Action
	}
	a.log.Info("audit: action executed", "run_id", rc.RunID, "action", in.Action.Name(), "step", rc.StepCount(), "next", next)
	return nil
}

func (a *auditor) onEvent(rc *core.RunContext, ev core.Event) core.Outcome {
	switch ev.Type {
	case core.TypeError:
		action, _ := ev.Data["action"].(string)
		msg, _ := ev.Data["message"].(string)
		a.log.Warn("audit: run fault", "run_id", rc.RunID, "code", ev.Code(), "action", action, "message", msg)
	case core.TypeHITLRequired:
		action, _ := ev.Data["action"].(string)
		a.log.Info("audit: approval requested", "run_id", rc.RunID, "action", action, "expires_at", ev.Data["expiresAt"])
	case core.TypeActionRejected:
		action, _ := ev.Data["action"].(string)
		a.log.Info("audit: action rejected", "run_id", rc.RunID, "action", action, "requested_in", ev.Data["runId"])
	}
	return core.Continue()
}

func (a *auditor) afterRun(rc *core.RunContext, _ core.Emitter) error {
	s, suspended := rc.Suspended()
	switch {
	case suspended:
		a.log.Info("audit: run suspended", "run_id", rc.RunID, "event_type", s.Event.Type, "steps", rc.StepCount())
	case a.all:
		a.log.Info("audit: run finished", "run_id", rc.RunID, "steps", rc.StepCount())
	}
	return nil
}
