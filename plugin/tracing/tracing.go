// Package tracing records runs and action steps as OpenTelemetry spans.
//
// Each run gets an "actionmesh.run" span whose parent is taken from the
// run's context; each executed step opens an "actionmesh.action" child span.
// Error events mark the current span as failed.
package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/actionmesh/core"
)

const instrumentationName = "github.com/hupe1980/actionmesh/plugin/tracing"

// Options configures the plugin.
type Options struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type runSpanKey struct{}

type actionSpanKey struct{}

type runSpan struct {
	ctx  context.Context
	span trace.Span
}

// New returns the tracing plugin.
func New(optFns ...func(o *Options)) core.Plugin {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	t := &tracer{tracer: opts.TracerProvider.Tracer(instrumentationName)}

	return core.Plugin{
		Name:           "tracing",
		OnBeforeRun:    t.beforeRun,
		OnBeforeAction: t.beforeAction,
		OnAfterAction:  t.afterAction,
		OnAfterRun:     t.afterRun,
		OnEvent:        t.onEvent,
	}
}

type tracer struct {
	tracer trace.Tracer
}

func (t *tracer) run(rc *core.RunContext, attrs ...attribute.KeyValue) *runSpan {
	if v, ok := rc.Local(runSpanKey{}); ok {
		return v.(*runSpan)
	}
	ctx, span := t.tracer.Start(rc.Context(), "actionmesh.run",
		trace.WithAttributes(append([]attribute.KeyValue{attribute.String("run.id", rc.RunID)}, attrs...)...),
	)
	rs := &runSpan{ctx: ctx, span: span}
	rc.SetLocal(runSpanKey{}, rs)
	return rs
}

func (t *tracer) beforeRun(rc *core.RunContext, in core.BeforeRunInput) core.Outcome {
	t.run(rc, attribute.String("event.type", in.Event.Type))
	return core.Continue()
}

func (t *tracer) beforeAction(rc *core.RunContext, in core.BeforeActionInput) core.Outcome {
	endAction(rc)

	rs := t.run(rc)
	_, span := t.tracer.Start(rs.ctx, "actionmesh.action",
		trace.WithAttributes(
			attribute.String("action.name", in.Action.Name()),
			attribute.Int("action.step", rc.StepCount()),
			attribute.String("action.requested_by", in.RequestedBy),
		),
	)
	rc.SetLocal(actionSpanKey{}, span)
	return core.Continue()
}

func (t *tracer) afterAction(rc *core.RunContext, in core.AfterActionInput, _ core.Emitter) error {
	if span, ok := currentAction(rc); ok {
		if in.Result != nil {
			span.SetAttributes(attribute.String("action.next", in.Result.Action))
		}
	}
	endAction(rc)
	return nil
}

func (t *tracer) onEvent(rc *core.RunContext, ev core.Event) core.Outcome {
	if !ev.IsError() {
		return core.Continue()
	}

	msg, _ := ev.Data["message"].(string)
	span, ok := currentAction(rc)
	if !ok {
		span = t.run(rc).span
	}
	span.RecordError(errors.New(msg), trace.WithAttributes(attribute.String("error.code", ev.Code())))
	span.SetStatus(codes.Error, msg)
	return core.Continue()
}

func (t *tracer) afterRun(rc *core.RunContext, _ core.Emitter) error {
	endAction(rc)

	v, ok := rc.Local(runSpanKey{})
	if !ok {
		return nil
	}
	rs := v.(*runSpan)
	_, suspended := rc.Suspended()
	rs.span.SetAttributes(
		attribute.Int("run.steps", rc.StepCount()),
		attribute.Bool("run.suspended", suspended),
		attribute.Bool("run.stream_closed", rc.StreamClosed()),
	)
	rs.span.End()
	rc.DeleteLocal(runSpanKey{})
	return nil
}

func currentAction(rc *core.RunContext) (trace.Span, bool) {
	v, ok := rc.Local(actionSpanKey{})
	if !ok {
		return nil, false
	}
	span, ok := v.(trace.Span)
	return span, ok
}

func endAction(rc *core.RunContext) {
	if span, ok := currentAction(rc); ok {
		span.End()
		rc.DeleteLocal(actionSpanKey{})
	}
}
