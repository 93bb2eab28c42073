package server

import (
	"fmt"

	"github.com/hupe1980/actionmesh/action"
	"github.com/hupe1980/actionmesh/brain"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/dispatch"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/hupe1980/actionmesh/plugin/hitl"
)

// Names of the built-in actions.
const (
	ActionEcho   = "echo"
	ActionCharge = "charge"
	ActionChat   = "chat"
	ActionUI     = "ui"
)

// DefaultRoutes maps inbound event types to the built-in actions.
var DefaultRoutes = map[string]string{
	core.TypeUserMessage: ActionChat,
	"echo":               ActionEcho,
	"charge":             ActionCharge,
	"ui-callback":        ActionUI,
}

type echoParams struct {
	Message string `json:"message" jsonschema:"description=Text to send back"`
}

func echoAction() core.Action {
	return action.Typed(ActionEcho, "Send a message back to the client", func(rc *core.RunContext, p echoParams) (*core.NextAction, error) {
		ev := core.NewEvent(core.TypeMessage, map[string]any{"text": p.Message})
		ev.Meta = &core.Meta{Role: core.RoleAssistant}
		return nil, rc.Emit(ev)
	})
}

type chargeParams struct {
	Amount   float64 `json:"amount" jsonschema:"minimum=0.01,description=Amount to charge"`
	Currency string  `json:"currency,omitempty" jsonschema:"description=ISO 4217 currency code"`
}

// chargeAction charges a card. It is meant to sit behind the approval gate;
// when the chat brain asked for it, the result goes back to the brain.
func chargeAction() core.Action {
	return action.Typed(ActionCharge, "Charge the customer's card", func(rc *core.RunContext, p chargeParams) (*core.NextAction, error) {
		if p.Currency == "" {
			p.Currency = "EUR"
		}
		data := map[string]any{"amount": p.Amount, "currency": p.Currency}
		if from, ok := rc.GetState(hitl.ResumedFromKey); ok {
			data["approvedIn"] = from
		}
		if err := rc.Emit(core.NewEvent("charged", data)); err != nil {
			return nil, err
		}

		if call, ok := brain.CurrentCall(rc, ActionChat); ok && call.Name == ActionCharge {
			return brain.Reply(ActionChat, call.ID, call.Name, map[string]any{
				"status": "charged",
				"amount": fmt.Sprintf("%.2f %s", p.Amount, p.Currency),
			}), nil
		}
		return nil, nil
	})
}

// uiRuntime handles callbacks from rendered UI components.
func uiRuntime(logger logging.Logger) *dispatch.Runtime {
	return dispatch.NewBuilder(func(o *dispatch.Options) { o.Logger = logger }).
		On(core.TypeWildcard, func(s *dispatch.Scope, ev core.Event) error {
			s.Logger().Debug("ui event", "type", ev.Type, "depth", s.Depth())
			return nil
		}).
		On("button-clicked", func(s *dispatch.Scope, ev core.Event) error {
			s.Emit(core.Event{Type: core.TypeUI, UI: map[string]any{
				"type":  "toast",
				"props": map[string]any{"text": fmt.Sprintf("%v clicked", ev.Data["id"])},
			}})
			return s.Yield(core.NewEvent(core.TypeStatus, map[string]any{"clicked": ev.Data["id"]}))
		}).
		On("form-submitted", func(s *dispatch.Scope, ev core.Event) error {
			return s.Yield(core.NewEvent("form-accepted", core.CloneState(ev.Data)))
		}).
		Build()
}

func builtinActions(chat *brain.Brain, logger logging.Logger) []core.Action {
	return []core.Action{
		echoAction(),
		chargeAction(),
		chat,
		dispatch.NewAction(ActionUI, "Dispatch UI callbacks", uiRuntime(logger)),
	}
}
