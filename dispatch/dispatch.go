package dispatch

import (
	"context"
	"errors"
	"iter"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/samber/oops"
)

// DefaultMaxDepth bounds recursive fan-out.
const DefaultMaxDepth = 32

// ErrDepthExceeded is returned when recursive dispatch goes deeper than the
// configured maximum depth.
var ErrDepthExceeded = errors.New("dispatch depth exceeded")

// Handler reacts to one event. It produces events through s.Yield (depth
// first) or s.Emit (queued). Returning an error aborts the dispatch.
type Handler func(s *Scope, ev core.Event) error

// Options configures a Builder.
type Options struct {
	// MaxDepth bounds recursive dispatch. Defaults to DefaultMaxDepth.
	MaxDepth int
	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

type registration struct {
	eventType string
	handler   Handler
}

// Builder accumulates handler registrations.
type Builder struct {
	opts     Options
	handlers []registration
}

// NewBuilder creates an empty Builder.
func NewBuilder(optFns ...func(o *Options)) *Builder {
	opts := Options{MaxDepth: DefaultMaxDepth, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Builder{opts: opts}
}

// On registers h for eventType. Use core.TypeWildcard ("*") to receive every
// event.
func (b *Builder) On(eventType string, h Handler) *Builder {
	b.handlers = append(b.handlers, registration{eventType: eventType, handler: h})
	return b
}

// Plugin applies plugins, each of which registers its handlers through On.
func (b *Builder) Plugin(plugins ...func(*Builder)) *Builder {
	for _, p := range plugins {
		p(b)
	}
	return b
}

// Build freezes the registrations into a Runtime. Later changes to the
// Builder do not affect it.
func (b *Builder) Build() *Runtime {
	return &Runtime{
		handlers: append([]registration(nil), b.handlers...),
		maxDepth: b.opts.MaxDepth,
		logger:   b.opts.Logger,
	}
}

// Runtime dispatches events to handlers. It is immutable and safe for
// concurrent use; every Dispatch call has its own queue.
type Runtime struct {
	handlers []registration
	maxDepth int
	logger   logging.Logger
}

// Handlers returns the handlers matching eventType, exact and wildcard, in
// registration order.
func (rt *Runtime) Handlers(eventType string) []Handler {
	var out []Handler
	for _, r := range rt.handlers {
		if r.eventType == eventType || r.eventType == core.TypeWildcard {
			out = append(out, r.handler)
		}
	}
	return out
}

// Dispatch feeds ev to its handlers and returns everything they produce as
// a pull iterator. The inbound event itself is not output. A handler error
// is reported as a final "error" event.
func (rt *Runtime) Dispatch(ctx context.Context, ev core.Event) iter.Seq[core.Event] {
	return func(yield func(core.Event) bool) {
		closed := false
		d := rt.newDispatcher(ctx, nil, func(e core.Event) error {
			if closed {
				return core.ErrStreamClosed
			}
			if !yield(e) {
				closed = true
				return core.ErrStreamClosed
			}
			return nil
		})
		err := d.run(ev)
		if err == nil || closed || errors.Is(err, core.ErrStreamClosed) || ctx.Err() != nil {
			return
		}
		yield(core.NewErrorEvent(core.ErrorCode(err, core.CodeActionFailed), core.ErrorMessage(err), map[string]any{"eventType": ev.Type}))
	}
}

func (rt *Runtime) newDispatcher(ctx context.Context, rc *core.RunContext, out func(core.Event) error) *dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	return &dispatcher{rt: rt, ctx: ctx, rc: rc, out: out}
}

// dispatcher holds the state of one top-level dispatch.
type dispatcher struct {
	rt  *Runtime
	ctx context.Context
	rc  *core.RunContext
	out func(core.Event) error

	queue    []core.Event
	emitting bool
}

// run dispatches ev and then drains the re-entrant queue.
func (d *dispatcher) run(ev core.Event) error {
	if err := d.dispatch(ev, 0); err != nil {
		return err
	}
	return d.drain()
}

func (d *dispatcher) drain() error {
	if d.emitting {
		return nil
	}
	d.emitting = true
	defer func() { d.emitting = false }()

	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		if err := d.out(ev); err != nil {
			d.queue = nil
			return err
		}
		if err := d.dispatch(ev, 0); err != nil {
			d.queue = nil
			return err
		}
	}
	return nil
}

func (d *dispatcher) dispatch(ev core.Event, depth int) error {
	for _, h := range d.rt.Handlers(ev.Type) {
		if err := d.ctx.Err(); err != nil {
			return err
		}
		if err := h(&Scope{d: d, depth: depth}, ev); err != nil {
			return err
		}
	}
	return nil
}

// Scope is handed to a handler for the duration of one call.
type Scope struct {
	d     *dispatcher
	depth int
}

// Context returns the dispatch context.
func (s *Scope) Context() context.Context { return s.d.ctx }

// Depth returns the recursion depth of the current handler, 0 for handlers
// of the inbound event.
func (s *Scope) Depth() int { return s.depth }

// RunContext returns the engine run hosting the dispatch, or nil when the
// runtime is used on its own.
func (s *Scope) RunContext() *core.RunContext { return s.d.rc }

// Logger returns the runtime's logger.
func (s *Scope) Logger() logging.Logger { return s.d.rt.logger }

// Yield outputs ev and dispatches it to its handlers before returning, so
// the whole fan-out of ev completes before the caller continues.
func (s *Scope) Yield(ev core.Event) error {
	if !ev.Valid() {
		return oops.Code(core.CodeInvalidEvent).Errorf("event type is required")
	}
	if s.depth+1 > s.d.rt.maxDepth {
		return oops.Code(core.CodeDepthExceeded).
			With("event_type", ev.Type).
			With("max_depth", s.d.rt.maxDepth).
			Wrapf(ErrDepthExceeded, "dispatching %q", ev.Type)
	}
	if err := s.d.out(ev); err != nil {
		return err
	}
	return s.d.dispatch(ev, s.depth+1)
}

// Emit queues ev. Queued events are output and dispatched in FIFO order
// after the current top-level dispatch completes.
func (s *Scope) Emit(ev core.Event) {
	if !ev.Valid() {
		s.d.rt.logger.Warn("dropping untyped event")
		return
	}
	s.d.queue = append(s.d.queue, ev)
}
