package core

// NextAction is the continuation pointer an action returns to hand control to
// another action. A nil *NextAction, or one with an empty Action, terminates
// the chain.
type NextAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Next is shorthand for &NextAction{Action: action, Params: params}.
func Next(action string, params map[string]any) *NextAction {
	return &NextAction{Action: action, Params: params}
}

// Action is a named unit of work. Execute produces events through
// rc.Emit and returns the continuation (or nil to stop).
//
// Execute runs synchronously on the consumer's goroutine: every Emit blocks
// until the consumer has accepted the event, so a slow consumer stalls the
// action. When Emit returns an error the action must return; resources must
// be released in defer blocks so cancellation runs them too.
//
// Returning rc.Suspend(...) halts the run without it being a fault.
type Action interface {
	Name() string
	Description() string
	// ParamsSchema returns a JSON schema for params or nil when any params
	// are accepted.
	ParamsSchema() map[string]any
	Execute(rc *RunContext, params map[string]any) (*NextAction, error)
}
