package dispatch

import (
	"github.com/hupe1980/actionmesh/action"
	"github.com/hupe1980/actionmesh/core"
	"github.com/samber/oops"
)

// NewAction exposes rt as an engine action. The action expects params
// {"event": {"type": ..., "data": ...}}; the event is dispatched and all
// output flows through rc.Emit, so it is stamped, observed by plugins and
// backpressured like any other action output.
func NewAction(name, description string, rt *Runtime) core.Action {
	return action.New(name, description, paramsSchema, func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
		in, err := action.Decode[struct {
			Event core.Event `json:"event"`
		}](params)
		if err != nil {
			return nil, oops.Code(core.CodeInvalidParams).With("action", name).Wrap(err)
		}
		d := rt.newDispatcher(rc.Context(), rc, rc.Emit)
		return nil, d.run(in.Event)
	})
}

var paramsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"event": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"type": "string", "minLength": 1},
				"data": map[string]any{"type": "object"},
			},
			"required": []any{"type"},
		},
	},
	"required": []any{"event"},
}
