package engine

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/internal/util"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/samber/oops"
)

// Config defines tuning parameters for the Engine's operational behavior.
//
// This configuration focuses on how a single run is driven:
//   - Safety: how many actions one run may start
//   - Routing: which action handles an inbound event type
//   - Diagnostics: what is reported to clients when a run ends abnormally
//
// Cross-cutting concerns such as metrics, tracing and approvals are added as
// plugins via Use rather than by expanding this struct.
//
// Example:
//
//	cfg := Config{
//	    MaxSteps: 20,
//	    Routes:   map[string]string{"user-message": "chat"},
//	}
type Config struct {
	// MaxSteps bounds the number of actions started by one run. Chains that
	// keep handing control back and forth stop silently once it is reached.
	// Non-positive values fall back to core.DefaultMaxSteps.
	MaxSteps int

	// Routes maps inbound event types to action names for Handle.
	Routes map[string]string

	// DefaultAction handles inbound event types missing from Routes. When
	// empty, unroutable events produce a NO_ROUTE error event.
	DefaultAction string

	// EmitStepLimitEvent emits a "step-limit" diagnostic event when a run is
	// cut off by MaxSteps. Step-limit exhaustion is otherwise silent.
	EmitStepLimitEvent bool

	// ExposeStack adds the stack trace of a failed action to its error event.
	// Keep disabled when events reach untrusted clients.
	ExposeStack bool
}

// DefaultConfig provides production-ready default configuration values.
//
// Configuration values:
//   - MaxSteps: 10 (bounds ping-pong between actions)
//   - EmitStepLimitEvent: false (step-limit exhaustion is silent)
//   - ExposeStack: false (stack traces stay in the logs)
var DefaultConfig = Config{
	MaxSteps: core.DefaultMaxSteps,
}

// Options configures an Engine instance using the functional options pattern.
//
// Example:
//
//	eng := New(func(o *Options) {
//	    o.Config.MaxSteps = 20
//	    o.Logger = logger
//	})
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Logger provides structured logging for debugging and monitoring.
	// Defaults to NoOp logger if nil to ensure no logging dependencies.
	Logger logging.Logger

	// Now is the clock used to stamp events. Defaults to time.Now.
	Now func() time.Time

	// NewRunID generates run identifiers. Defaults to uuid.NewString.
	NewRunID func() string
}

// Engine drives chains of actions and turns their output into a single
// ordered event stream.
//
// Core Responsibilities:
//   - Action Registry: thread-safe registration and lookup of named actions,
//     with params schemas compiled at registration time
//   - Plugin Composition: lifecycle hooks applied in registration order
//   - Execution: NextAction chaining bounded by MaxSteps, fault isolation and
//     suspension handling
//   - Run Management: cancellable background runs via Invoke and Cancel
//
// Concurrency Model:
//   - Registration is guarded by an RWMutex; every run works on a snapshot of
//     the action table and plugin list taken when it starts
//   - A run executes on the goroutine consuming its iterator; there is no
//     parallelism between the actions of one run
//   - Runs never share a RunContext, so concurrent runs are isolated
//
// Event Flow:
//  1. An inbound event or an initial NextAction enters Run/Handle
//  2. OnBeforeRun hooks may redirect, answer or suspend the run
//  3. For every step, OnBeforeAction hooks run, params are validated and the
//     action executes, emitting events through the RunContext
//  4. Events are stamped, passed through OnEvent hooks and yielded
//  5. OnAfterAction hooks run and the returned NextAction is followed
//  6. OnAfterRun hooks run exactly once when the chain ends
//
// Error Handling:
//   - Every failure becomes an "error" event in the stream
//   - Unknown actions, invalid params and action faults end the chain
//   - Step-limit exhaustion ends the chain silently
//
// Example Usage:
//
//	eng := New()
//	if err := eng.Register(echo, charge); err != nil {
//	    return err
//	}
//	eng.Use(gate.Plugin())
//
//	for ev := range eng.Run(ctx, core.NextAction{Action: "echo"}) {
//	    fmt.Println(ev.Type)
//	}
type Engine struct {
	logger   logging.Logger
	config   Config
	now      func() time.Time
	newRunID func() string

	// Action registry and plugins - protected by mu
	actions map[string]registeredAction
	plugins []core.Plugin
	mu      sync.RWMutex

	// Active background runs - protected by runsMu
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

type registeredAction struct {
	action    core.Action
	validator *util.Validator
}

// New creates a new Engine instance with sensible defaults and optional configuration.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:   DefaultConfig,
		Logger:   logging.NoOpLogger{},
		Now:      time.Now,
		NewRunID: uuid.NewString,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}

	return &Engine{
		logger:     opts.Logger,
		config:     opts.Config,
		now:        opts.Now,
		newRunID:   opts.NewRunID,
		actions:    make(map[string]registeredAction),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Register makes actions available by name. Params schemas are compiled
// eagerly; a registration with an invalid schema fails without registering
// any of the given actions. Registering a name again replaces the earlier
// action.
func (e *Engine) Register(actions ...core.Action) error {
	compiled := make([]registeredAction, 0, len(actions))
	for _, a := range actions {
		if a == nil || a.Name() == "" {
			return oops.In("engine").Code(core.CodeInvalidParams).Errorf("action name is required")
		}
		v, err := util.CompileSchema(a.Name(), a.ParamsSchema())
		if err != nil {
			return oops.In("engine").With("action", a.Name()).Wrapf(err, "compile params schema")
		}
		compiled = append(compiled, registeredAction{action: a, validator: v})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ra := range compiled {
		if _, exists := e.actions[ra.action.Name()]; exists {
			e.logger.Warn("action replaced", "action", ra.action.Name())
		}
		e.actions[ra.action.Name()] = ra
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (e *Engine) MustRegister(actions ...core.Action) {
	if err := e.Register(actions...); err != nil {
		panic(err)
	}
}

// Use appends plugins to the hook chain. Hooks run in registration order.
func (e *Engine) Use(plugins ...core.Plugin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plugins = append(e.plugins, plugins...)
}

// Action returns the registered action with the given name.
func (e *Engine) Action(name string) (core.Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ra, ok := e.actions[name]
	return ra.action, ok
}

// Actions returns all registered actions sorted by name.
func (e *Engine) Actions() []core.Action {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := slices.Sorted(maps.Keys(e.actions))
	out := make([]core.Action, 0, len(names))
	for _, name := range names {
		out = append(out, e.actions[name].action)
	}
	return out
}

// RunOption customizes a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	runID string
	state map[string]any
}

// WithRunID sets the run identifier instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithState seeds the run's state. The map is deep-copied.
func WithState(state map[string]any) RunOption {
	return func(o *runOptions) { o.state = state }
}

// Run executes the chain starting at initial and returns its events as a
// push iterator. Nothing happens until the iterator is ranged over; each
// event is produced only after the consumer accepted the previous one.
// Breaking out of the loop cancels the current action.
func (e *Engine) Run(ctx context.Context, initial core.NextAction, opts ...RunOption) iter.Seq[core.Event] {
	var ro runOptions
	for _, fn := range opts {
		fn(&ro)
	}
	return func(yield func(core.Event) bool) {
		r := e.newRun(ctx, ro.runID, ro.state, yield)
		r.drive(func() *core.NextAction {
			if initial.Action == "" {
				return nil
			}
			return &initial
		})
	}
}

// Handle routes an inbound event to an action and executes the resulting
// chain. OnBeforeRun hooks see the event first and may redirect or answer it.
func (e *Engine) Handle(ctx context.Context, req core.Request) iter.Seq[core.Event] {
	return func(yield func(core.Event) bool) {
		r := e.newRun(ctx, req.RunID, req.State, yield)
		r.drive(func() *core.NextAction { return r.begin(req.Event) })
	}
}

// Invoke starts Handle on a background goroutine and returns the run id and
// an unbuffered event channel, closed when the run ends. The run is
// cancelled via ctx or Cancel.
func (e *Engine) Invoke(ctx context.Context, req core.Request) (string, <-chan core.Event, error) {
	if req.RunID == "" {
		req.RunID = e.newRunID()
	}
	runID := req.RunID

	runCtx, cancel := context.WithCancel(ctx)

	e.runsMu.Lock()
	if _, exists := e.activeRuns[runID]; exists {
		e.runsMu.Unlock()
		cancel()
		return "", nil, oops.In("engine").Code(core.CodeRunActive).With("run_id", runID).Errorf("run %s is already active", runID)
	}
	e.activeRuns[runID] = cancel
	e.runsMu.Unlock()

	eventsCh := make(chan core.Event)

	go func() {
		defer func() {
			close(eventsCh)
			cancel()
			e.runsMu.Lock()
			delete(e.activeRuns, runID)
			e.runsMu.Unlock()
		}()

		for ev := range e.Handle(runCtx, req) {
			select {
			case <-runCtx.Done():
				return
			case eventsCh <- ev:
			}
		}
	}()

	return runID, eventsCh, nil
}

// InvokeSync executes a request to completion, collecting all emitted events.
// It returns the context error when ctx ends before the run does.
func (e *Engine) InvokeSync(ctx context.Context, req core.Request) (string, []core.Event, error) {
	runID, eventsCh, err := e.Invoke(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var events []core.Event
	for {
		select {
		case <-ctx.Done():
			return runID, events, ctx.Err()
		case ev, ok := <-eventsCh:
			if !ok {
				return runID, events, nil
			}
			events = append(events, ev)
		}
	}
}

// Cancel requests cooperative termination of a background run started by
// Invoke. Cancelling an unknown or finished run returns an error.
func (e *Engine) Cancel(runID string) error {
	e.runsMu.Lock()
	cancel, exists := e.activeRuns[runID]
	e.runsMu.Unlock()

	if !exists {
		return oops.In("engine").Code(core.CodeRunNotFound).With("run_id", runID).Errorf("run %s not found", runID)
	}

	cancel()
	return nil
}

// ActiveRuns returns the ids of background runs currently in flight.
func (e *Engine) ActiveRuns() []string {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	return slices.Sorted(maps.Keys(e.activeRuns))
}

func (e *Engine) newRun(ctx context.Context, runID string, state map[string]any, yield func(core.Event) bool) *run {
	if ctx == nil {
		ctx = context.Background()
	}
	if runID == "" {
		runID = e.newRunID()
	}

	e.mu.RLock()
	actions := make(map[string]core.Action, len(e.actions))
	validators := make(map[string]*util.Validator, len(e.actions))
	for name, ra := range e.actions {
		actions[name] = ra.action
		validators[name] = ra.validator
	}
	hooks := newHookChain(e.plugins)
	e.mu.RUnlock()

	rc := core.NewRunContext(core.RunContextConfig{
		Context:    ctx,
		RunID:      runID,
		State:      state,
		Actions:    actions,
		MaxSteps:   e.config.MaxSteps,
		Yield:      yield,
		EventHooks: hooks.eventHooks(),
		Logger:     e.logger,
		Now:        e.now,
	})

	return &run{
		config:     e.config,
		rc:         rc,
		validators: validators,
		hooks:      hooks,
		guard:      &guard{rc: rc},
		started:    e.now(),
		now:        e.now,
	}
}

var _ core.Runner = (*Engine)(nil)
