package core

// OutcomeKind enumerates the results a hook may return.
type OutcomeKind int

const (
	// OutcomeContinue lets the run proceed unchanged.
	OutcomeContinue OutcomeKind = iota
	// OutcomeRedirect replaces the next action.
	OutcomeRedirect
	// OutcomeRespond emits Event and ends the chain (or, from OnEvent,
	// replaces the event being forwarded).
	OutcomeRespond
	// OutcomeSuspend emits Event as the terminal event and marks the run done.
	OutcomeSuspend
	// OutcomeFail converts Err into an error event and ends the chain.
	OutcomeFail
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeRespond:
		return "respond"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is the explicit result of a hook. Hooks never panic or throw to
// steer the run; they return one of Continue, Redirect, Respond, Suspend or
// Fail.
type Outcome struct {
	Kind  OutcomeKind
	Next  *NextAction
	Event *Event
	Err   error
}

// Continue lets the run proceed.
func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

// Redirect replaces the next action with next.
func Redirect(next NextAction) Outcome { return Outcome{Kind: OutcomeRedirect, Next: &next} }

// Respond emits ev and ends the chain.
func Respond(ev Event) Outcome { return Outcome{Kind: OutcomeRespond, Event: &ev} }

// Suspend emits ev as the terminal event and marks the run done.
func Suspend(ev Event) Outcome { return Outcome{Kind: OutcomeSuspend, Event: &ev} }

// Fail ends the chain with an error event derived from err.
func Fail(err error) Outcome { return Outcome{Kind: OutcomeFail, Err: err} }

// IsContinue reports whether the outcome lets the run proceed.
func (o Outcome) IsContinue() bool { return o.Kind == OutcomeContinue }

// BeforeRunInput is passed to OnBeforeRun hooks.
type BeforeRunInput struct {
	Event Event
}

// BeforeActionInput is passed to OnBeforeAction hooks.
type BeforeActionInput struct {
	Action Action
	Params map[string]any
	// Next is the continuation that selected Action.
	Next NextAction
	// RequestedBy names the action that returned Next ("" for the first step).
	RequestedBy string
}

// AfterActionInput is passed to OnAfterAction hooks.
type AfterActionInput struct {
	Action Action
	Params map[string]any
	// Result is the continuation returned by the action, nil when the chain
	// ends here.
	Result *NextAction
}

// Emitter forwards an event into the run's stream.
type Emitter func(Event) error

// Plugin groups optional lifecycle hooks. Plugins are composed in
// registration order; a plugin keeps no state beyond what it writes into the
// RunContext.
type Plugin struct {
	Name string

	OnBeforeRun    func(rc *RunContext, in BeforeRunInput) Outcome
	OnBeforeAction func(rc *RunContext, in BeforeActionInput) Outcome
	OnAfterAction  func(rc *RunContext, in AfterActionInput, emit Emitter) error
	OnAfterRun     func(rc *RunContext, emit Emitter) error
	// OnEvent observes every event before it is forwarded. Respond replaces
	// the event, Suspend halts the run mid-action.
	OnEvent func(rc *RunContext, ev Event) Outcome
}
