// Package actionmesh provides a high-level façade over the engine, the
// approval gate and the SSE handler. Most applications interact with this
// package by:
//  1. Creating a Mesh via New() with an approval secret
//  2. Registering actions and, optionally, plugins
//  3. Serving Handler() or consuming Handle() directly
//
// The façade delegates orchestration to engine.Engine. Defaults are safe for
// local development: an in-memory replay guard and a NoOp logger.
// Production deployments typically supply a durable guard (pending/sqlite or
// pending/redis) and a structured logger.
package actionmesh

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/engine"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/hupe1980/actionmesh/pending"
	"github.com/hupe1980/actionmesh/plugin/hitl"
	"github.com/hupe1980/actionmesh/stream"
	"github.com/hupe1980/actionmesh/token"
)

// Options configures the Mesh.
type Options struct {
	// EngineConfig configures routing and the step limit.
	EngineConfig engine.Config

	// Require lists action name patterns that need human approval.
	Require []string

	// TTL is the lifetime of approval tokens. Defaults to pending.DefaultTTL.
	TTL time.Duration

	// Guard records consumed approval tokens. Defaults to an in-memory guard;
	// set DisableReplayGuard to run without one.
	Guard              pending.ReplayGuard
	DisableReplayGuard bool

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Mesh aggregates the engine, the pending store and the approval gate.
type Mesh struct {
	engine *engine.Engine
	store  *pending.Store
	gate   *hitl.Gate
	logger logging.Logger
}

// New creates a Mesh signing approval tokens with secret, which must be at
// least token.MinSecretBytes long.
func New(secret []byte, optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		TTL:          pending.DefaultTTL,
		Logger:       logging.NoOpLogger{},
		Now:          time.Now,
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
	if opts.Guard == nil && !opts.DisableReplayGuard {
		opts.Guard = pending.NewMemoryGuard(opts.Now)
	}

	codec, err := token.NewCodec(secret, func(o *token.Options) { o.Now = opts.Now })
	if err != nil {
		return nil, err
	}
	store := pending.NewStore(codec, func(o *pending.Options) {
		o.TTL = opts.TTL
		o.Now = opts.Now
		o.Guard = opts.Guard
	})
	gate, err := hitl.New(func(o *hitl.Options) {
		o.Require = opts.Require
		o.Store = store
	})
	if err != nil {
		return nil, err
	}

	eng := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Logger = opts.Logger
		o.Now = opts.Now
	})
	eng.Use(gate.Plugin())

	return &Mesh{engine: eng, store: store, gate: gate, logger: opts.Logger}, nil
}

// Register adds actions to the underlying engine.
func (m *Mesh) Register(actions ...core.Action) error { return m.engine.Register(actions...) }

// Use appends plugins. They run after the approval gate.
func (m *Mesh) Use(plugins ...core.Plugin) { m.engine.Use(plugins...) }

// Engine returns the underlying engine.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Store returns the pending action store.
func (m *Mesh) Store() *pending.Store { return m.store }

// RequiresApproval reports whether action is gated.
func (m *Mesh) RequiresApproval(action string) bool { return m.gate.Requires(action) }

// Handle implements core.Runner.
func (m *Mesh) Handle(ctx context.Context, req core.Request) iter.Seq[core.Event] {
	return m.engine.Handle(ctx, req)
}

// Run executes a chain starting at initial, bypassing routing.
func (m *Mesh) Run(ctx context.Context, initial core.NextAction, opts ...engine.RunOption) iter.Seq[core.Event] {
	return m.engine.Run(ctx, initial, opts...)
}

// Handler returns the SSE endpoint for the mesh.
func (m *Mesh) Handler(optFns ...func(o *stream.Options)) http.Handler {
	return stream.Handler(m, append([]func(o *stream.Options){func(o *stream.Options) { o.Logger = m.logger }}, optFns...)...)
}

var _ core.Runner = (*Mesh)(nil)
