// Package action provides adapters that expose plain Go functions as
// core.Action values.
package action

import (
	"encoding/json"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/internal/util"
	"github.com/samber/oops"
)

// Handler is the function signature wrapped by Func.
type Handler func(rc *core.RunContext, params map[string]any) (*core.NextAction, error)

// Func is a generic adapter that exposes a plain Go function as an action.
//
// Responsibilities:
//   - Holds the JSON schema the engine validates params against before
//     Execute is called
//   - Invokes the wrapped function with the run's *core.RunContext, giving
//     access to Emit, Suspend, state and logging
//
// Concurrency:
//
//	A Func has no internal mutable state after construction and is safe for
//	concurrent use by multiple runs.
type Func struct {
	name        string
	description string
	schema      map[string]any
	fn          Handler
}

// New constructs a Func from an explicit schema and function. A nil schema
// accepts any params.
//
// Example:
//
//	echo := action.New("echo", "Echo the message back", map[string]any{
//	    "type":       "object",
//	    "properties": map[string]any{"message": map[string]any{"type": "string"}},
//	    "required":   []string{"message"},
//	}, func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
//	    return nil, rc.Emit(core.NewTextDelta(params["message"].(string)))
//	})
func New(name, description string, schema map[string]any, fn Handler) *Func {
	return &Func{name: name, description: description, schema: schema, fn: fn}
}

// Name returns the unique action name used for routing and NextAction.
func (f *Func) Name() string { return f.name }

// Description returns the short natural language description exposed to models.
func (f *Func) Description() string { return f.description }

// ParamsSchema returns the JSON schema describing accepted params.
func (f *Func) ParamsSchema() map[string]any { return f.schema }

// Execute invokes the wrapped function.
func (f *Func) Execute(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
	return f.fn(rc, params)
}

// Typed wraps a function receiving params decoded into P. The schema is
// reflected from P, so the engine rejects mismatching params before the
// function runs.
//
// Example:
//
//	type ChargeParams struct {
//	    Amount   int    `json:"amount" jsonschema:"minimum=1"`
//	    Currency string `json:"currency"`
//	}
//
//	charge := action.Typed("charge", "Charge a card", func(rc *core.RunContext, p ChargeParams) (*core.NextAction, error) {
//	    return nil, rc.Emit(core.NewEvent("charged", map[string]any{"amount": p.Amount}))
//	})
func Typed[P any](name, description string, fn func(rc *core.RunContext, params P) (*core.NextAction, error)) *Func {
	var zero P
	return New(name, description, util.CreateSchema(&zero), func(rc *core.RunContext, params map[string]any) (*core.NextAction, error) {
		p, err := Decode[P](params)
		if err != nil {
			return nil, oops.Code(core.CodeInvalidParams).With("action", name).Wrap(err)
		}
		return fn(rc, p)
	})
}

// Decode converts a params map into P through its JSON representation.
func Decode[P any](params map[string]any) (P, error) {
	var p P
	raw, err := json.Marshal(params)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(raw, &p)
	return p, err
}

// Encode converts v into a params map through its JSON representation.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

var _ core.Action = (*Func)(nil)
