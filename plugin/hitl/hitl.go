// Package hitl gates actions behind human approval.
//
// When an action whose name matches one of the Require patterns is about to
// run, the gate parks it in a signed pending-action token, emits a
// "hitl-required" event carrying an approval card, and suspends the run. A
// later request carrying {type:"action-approved", data:{token}} resumes the
// chain at the parked action with the parameters recovered from the token;
// parameters supplied by the client are ignored.
//
// Patterns use gobwas/glob with '.' as the segment separator: '*' matches
// one segment and '**' crosses segments.
package hitl

import (
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/pending"
)

// ResumedFromKey is the state key holding the run ID an approved action was
// originally requested in.
const ResumedFromKey = "hitl.resumedFrom"

const pluginName = "hitl"

// Options configures a Gate.
type Options struct {
	// Require lists action name patterns that need approval.
	Require []string
	// Store parks and verifies pending actions. Required.
	Store *pending.Store
	// Message renders the text shown on the approval card.
	Message func(action string, params map[string]any) string
}

// Gate is the approval policy. It is immutable after New.
type Gate struct {
	patterns []glob.Glob
	store    *pending.Store
	message  func(action string, params map[string]any) string
}

// grantKey is the RunContext local holding the one-shot approval.
type grantKey struct{}

type grant struct {
	action string
	params string
}

// New compiles the Require patterns.
func New(optFns ...func(o *Options)) (*Gate, error) {
	opts := Options{Message: defaultMessage}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		return nil, oops.In(pluginName).Errorf("pending store is required")
	}
	if opts.Message == nil {
		opts.Message = defaultMessage
	}

	patterns := make([]glob.Glob, 0, len(opts.Require))
	for i, p := range opts.Require {
		if p == "" {
			return nil, oops.In(pluginName).With("index", i).Errorf("empty approval pattern")
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, oops.In(pluginName).With("index", i).With("pattern", p).Wrapf(err, "compile approval pattern")
		}
		patterns = append(patterns, g)
	}

	return &Gate{
		patterns: patterns,
		store:    opts.Store,
		message:  opts.Message,
	}, nil
}

// Requires reports whether action needs approval.
func (g *Gate) Requires(action string) bool {
	for _, p := range g.patterns {
		if p.Match(action) {
			return true
		}
	}
	return false
}

// Plugin returns the engine hooks implementing the gate.
func (g *Gate) Plugin() core.Plugin {
	return core.Plugin{
		Name:           pluginName,
		OnBeforeRun:    g.beforeRun,
		OnBeforeAction: g.beforeAction,
	}
}

func (g *Gate) beforeAction(rc *core.RunContext, in core.BeforeActionInput) core.Outcome {
	name := in.Action.Name()
	if !g.Requires(name) {
		return core.Continue()
	}

	if g.consumeGrant(rc, name, in.Params) {
		rc.LogInfo("approved action resumed", "action", name)
		return core.Continue()
	}

	p, err := g.store.Create(name, in.Params, rc.RunID)
	if err != nil {
		return core.Fail(err)
	}
	rc.LogInfo("approval required", "action", name, "expires_at", p.Expires())

	ev := g.requiredEvent(p)
	if len(rc.State) > 0 {
		ev.Meta.State = core.CloneState(rc.State)
	}
	return core.Suspend(ev)
}

func (g *Gate) beforeRun(rc *core.RunContext, in core.BeforeRunInput) core.Outcome {
	switch in.Event.Type {
	case core.TypeActionApproved:
		return g.approve(rc, in.Event)
	case core.TypeActionRejected:
		return g.reject(rc, in.Event)
	default:
		return core.Continue()
	}
}

func (g *Gate) approve(rc *core.RunContext, ev core.Event) core.Outcome {
	p, err := g.verify(rc, ev)
	if err != nil {
		return core.Respond(rejectedByError(err))
	}

	params, _ := canonical(p.Params)
	rc.SetLocal(grantKey{}, grant{action: p.ActionName, params: params})
	rc.SetState(ResumedFromKey, p.RunID)
	rc.LogInfo("action approved", "action", p.ActionName, "resumed_from", p.RunID)

	return core.Redirect(core.NextAction{Action: p.ActionName, Params: p.Params})
}

func (g *Gate) reject(rc *core.RunContext, ev core.Event) core.Outcome {
	p, err := g.verify(rc, ev)
	if err != nil {
		return core.Respond(rejectedByError(err))
	}
	rc.LogInfo("action rejected", "action", p.ActionName, "requested_in", p.RunID)

	return core.Respond(core.NewEvent(core.TypeActionRejected, map[string]any{
		"action":  p.ActionName,
		"runId":   p.RunID,
		"message": fmt.Sprintf("%s was rejected.", p.ActionName),
	}))
}

func (g *Gate) verify(rc *core.RunContext, ev core.Event) (pending.PendingAction, error) {
	tok, _ := ev.Data["token"].(string)
	p, err := g.store.Verify(rc.Context(), tok)
	if err != nil {
		rc.LogWarn("approval token refused", "event_type", ev.Type, "code", core.ErrorCode(err, core.CodeInvalidToken))
		return pending.PendingAction{}, err
	}
	return p, nil
}

// consumeGrant reports whether rc holds an approval for exactly name and
// params, and spends it.
func (g *Gate) consumeGrant(rc *core.RunContext, name string, params map[string]any) bool {
	v, ok := rc.Local(grantKey{})
	if !ok {
		return false
	}
	gr, ok := v.(grant)
	if !ok || gr.action != name {
		return false
	}
	got, err := canonical(params)
	if err != nil || got != gr.params {
		return false
	}
	rc.DeleteLocal(grantKey{})
	return true
}

// requiredEvent builds the suspension event. beforeAction attaches a
// snapshot of the run state, which the client sends back with its decision.
func (g *Gate) requiredEvent(p pending.PendingAction) core.Event {
	msg := g.message(p.ActionName, p.Params)
	ev := core.NewEvent(core.TypeHITLRequired, map[string]any{
		"action":    p.ActionName,
		"params":    core.CloneState(p.Params),
		"token":     p.Token,
		"expiresAt": p.ExpiresAt,
		"runId":     p.RunID,
		"message":   msg,
	})
	ev.Meta = &core.Meta{Role: core.RoleAssistant}
	ev.UI = approvalCard(p, msg)
	return ev
}

// approvalCard renders the client-side approval prompt. Button clicks post
// the event in onClick back to the server.
func approvalCard(p pending.PendingAction, msg string) map[string]any {
	button := func(label, variant, eventType string) map[string]any {
		return map[string]any{
			"type": "button",
			"props": map[string]any{
				"label":   label,
				"variant": variant,
				"onClick": map[string]any{
					"type": eventType,
					"data": map[string]any{"token": p.Token},
				},
			},
		}
	}
	return map[string]any{
		"type": "card",
		"props": map[string]any{
			"title":       "Approval required",
			"description": msg,
		},
		"children": []any{
			button("Approve", "primary", core.TypeActionApproved),
			button("Reject", "secondary", core.TypeActionRejected),
		},
	}
}

func rejectedByError(err error) core.Event {
	reason := core.ErrorCode(err, core.CodeInvalidToken)
	msg := "This approval request is invalid or has expired. Please request the action again."
	if reason == core.CodeTokenReplayed {
		msg = "This approval request has already been used."
	}
	return core.NewErrorEvent(core.CodeApprovalRejected, msg, map[string]any{"reason": reason})
}

func defaultMessage(action string, _ map[string]any) string {
	return fmt.Sprintf("%s needs your approval before it runs.", action)
}

func canonical(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
