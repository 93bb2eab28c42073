// Package server assembles the actionmesh HTTP service from a config.Config:
// the engine with the built-in actions, the approval gate with its replay
// guard, the observability plugins and the run endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"maps"
	"net/http"
	"time"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/actionmesh/brain"
	"github.com/hupe1980/actionmesh/config"
	"github.com/hupe1980/actionmesh/core"
	"github.com/hupe1980/actionmesh/engine"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/hupe1980/actionmesh/model"
	"github.com/hupe1980/actionmesh/model/anthropic"
	"github.com/hupe1980/actionmesh/model/openai"
	"github.com/hupe1980/actionmesh/pending"
	"github.com/hupe1980/actionmesh/pending/redis"
	"github.com/hupe1980/actionmesh/pending/sqlite"
	"github.com/hupe1980/actionmesh/plugin/audit"
	"github.com/hupe1980/actionmesh/plugin/hitl"
	"github.com/hupe1980/actionmesh/plugin/metrics"
	"github.com/hupe1980/actionmesh/plugin/tracing"
	"github.com/hupe1980/actionmesh/stream"
	"github.com/hupe1980/actionmesh/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

const chatInstructions = `You are the actionmesh demo assistant.
Use the charge tool when the customer asks to pay. Charges need human approval.`

// Options configures New.
type Options struct {
	// Logger defaults to a NoOp logger.
	Logger logging.Logger
	// Registerer receives the run metrics. Nil disables the metrics plugin.
	Registerer prometheus.Registerer
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Model replaces the configured provider.
	Model model.Model
	// Actions are registered next to the built-in actions.
	Actions []core.Action
	// Now is shared by the token codec, the pending store and the replay
	// guard. Defaults to time.Now.
	Now func() time.Time
}

// App is the assembled service.
type App struct {
	engine  *engine.Engine
	store   *pending.Store
	logger  logging.Logger
	maxBody int64
	closers []func() error
}

// New builds the service. Close releases the replay guard.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*App, error) {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &App{logger: opts.Logger, maxBody: cfg.Server.MaxBodyBytes}

	secret, err := cfg.Secret(opts.Logger)
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(secret, func(o *token.Options) { o.Now = opts.Now })
	if err != nil {
		return nil, err
	}

	guard, err := a.replayGuard(ctx, cfg.Approval, opts.Now)
	if err != nil {
		return nil, err
	}
	a.store = pending.NewStore(codec, func(o *pending.Options) {
		o.TTL = cfg.Approval.TTL
		o.Now = opts.Now
		o.Guard = guard
	})

	gate, err := hitl.New(func(o *hitl.Options) {
		o.Require = cfg.Approval.Require
		o.Store = a.store
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	routes := cfg.Engine.Routes
	if len(routes) == 0 {
		routes = maps.Clone(DefaultRoutes)
	}
	a.engine = engine.New(func(o *engine.Options) {
		o.Config = engine.Config{
			MaxSteps:           cfg.Engine.MaxSteps,
			Routes:             routes,
			DefaultAction:      cfg.Engine.DefaultAction,
			EmitStepLimitEvent: cfg.Engine.EmitStepLimitEvent,
			ExposeStack:        cfg.Engine.ExposeStack,
		}
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	a.engine.Use(tracing.New(func(o *tracing.Options) { o.TracerProvider = opts.TracerProvider }))
	if opts.Registerer != nil {
		m, err := metrics.New(opts.Registerer)
		if err != nil {
			_ = a.Close()
			return nil, oops.In("server").Wrapf(err, "registering metrics")
		}
		a.engine.Use(m.Plugin())
	}
	a.engine.Use(audit.New(func(o *audit.Options) { o.Logger = opts.Logger }))
	a.engine.Use(gate.Plugin())

	llm := opts.Model
	if llm == nil {
		llm = newModel(cfg.Model)
	}
	chat := brain.New(ActionChat, llm, func(o *brain.Options) {
		o.Instructions = chatInstructions
		o.Tools = []string{ActionCharge}
	})
	if err := a.engine.Register(builtinActions(chat, opts.Logger)...); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.engine.Register(opts.Actions...); err != nil {
		_ = a.Close()
		return nil, err
	}

	opts.Logger.Info("service assembled",
		"replay_guard", cfg.Approval.ReplayGuard,
		"model_provider", llm.Info().Provider,
		"model", llm.Info().Name,
		"approval_required", cfg.Approval.Require,
	)
	return a, nil
}

func (a *App) replayGuard(ctx context.Context, cfg config.Approval, now func() time.Time) (pending.ReplayGuard, error) {
	switch cfg.ReplayGuard {
	case config.GuardMemory:
		return pending.NewMemoryGuard(now), nil
	case config.GuardSQLite:
		g, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, oops.In("server").With("path", cfg.SQLitePath).Wrapf(err, "opening sqlite replay guard")
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	case config.GuardRedis:
		g, client, err := redis.Dial(ctx, cfg.RedisAddr, redis.DefaultPrefix)
		if err != nil {
			return nil, oops.In("server").With("addr", cfg.RedisAddr).Wrapf(err, "connecting redis replay guard")
		}
		a.closers = append(a.closers, client.Close)
		return g, nil
	default:
		return nil, nil
	}
}

func newModel(cfg config.Model) model.Model {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		})
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = sdkanthropic.Model(cfg.Name)
			}
		})
	default:
		m := model.NewMockModel("mock")
		m.AddResponse("hello", "Hello! Ask me to charge your card and I will ask a human first.")
		return m
	}
}

// Engine returns the engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Store returns the pending action store.
func (a *App) Store() *pending.Store { return a.store }

// Handle runs req as a cancellable background run. Implements core.Runner.
func (a *App) Handle(ctx context.Context, req core.Request) iter.Seq[core.Event] {
	return func(yield func(core.Event) bool) {
		runID, events, err := a.engine.Invoke(ctx, req)
		if err != nil {
			yield(core.NewErrorEvent(core.ErrorCode(err, core.CodeRunActive), core.ErrorMessage(err), map[string]any{"runId": req.RunID}))
			return
		}
		for ev := range events {
			if !yield(ev) {
				_ = a.engine.Cancel(runID)
				for range events {
				}
				return
			}
		}
	}
}

// Handler serves POST /v1/runs (SSE) and DELETE /v1/runs/{id}.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/runs", stream.Handler(a, func(o *stream.Options) {
		o.MaxBodyBytes = a.maxBody
		o.Logger = a.logger
	}))
	mux.HandleFunc("DELETE /v1/runs/{id}", a.cancelRun)
	return mux
}

func (a *App) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.engine.Cancel(id); err != nil {
		stream.WriteError(w, http.StatusNotFound, core.ErrorCode(err, core.CodeRunNotFound), core.ErrorMessage(err))
		return
	}
	a.logger.Info("run cancelled by client", "run_id", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"runId": id, "status": "cancelling"})
}

// CancelAll cancels every active run.
func (a *App) CancelAll() {
	for _, id := range a.engine.ActiveRuns() {
		_ = a.engine.Cancel(id)
	}
}

// Close releases the replay guard.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

var _ core.Runner = (*App)(nil)
