// Package metrics records engine activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/actionmesh/core"
)

// Run outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "actionmesh"

// Options configures the collectors.
type Options struct {
	Namespace string
	Buckets   []float64
}

// Metrics holds the collectors fed by the plugin. Each instance owns its
// collectors, so tests can use a private registry.
type Metrics struct {
	Runs           *prometheus.CounterVec
	Steps          *prometheus.CounterVec
	Faults         *prometheus.CounterVec
	Suspensions    *prometheus.CounterVec
	Events         *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
}

type startKey struct{}

type failedKey struct{}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, optFns ...func(o *Options)) (*Metrics, error) {
	opts := Options{Namespace: DefaultNamespace, Buckets: prometheus.DefBuckets}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "runs_total",
			Help:      "Total number of runs by outcome",
		}, []string{"outcome"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "steps_total",
			Help:      "Total number of completed action steps",
		}, []string{"action"}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "faults_total",
			Help:      "Total number of error events by code",
		}, []string{"action", "code"}),
		Suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "suspensions_total",
			Help:      "Total number of suspended runs by suspension event type",
		}, []string{"event_type"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "events_total",
			Help:      "Total number of events delivered by type",
		}, []string{"type"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution duration in seconds",
			Buckets:   opts.Buckets,
		}, []string{"action"}),
	}

	for _, c := range []prometheus.Collector{m.Runs, m.Steps, m.Faults, m.Suspensions, m.Events, m.ActionDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Plugin returns the hooks feeding the collectors.
func (m *Metrics) Plugin() core.Plugin {
	return core.Plugin{
		Name: "metrics",
		OnBeforeAction: func(rc *core.RunContext, _ core.BeforeActionInput) core.Outcome {
			rc.SetLocal(startKey{}, rc.Now())
			return core.Continue()
		},
		OnAfterAction: func(rc *core.RunContext, in core.AfterActionInput, _ core.Emitter) error {
			name := in.Action.Name()
			m.Steps.WithLabelValues(name).Inc()
			if v, ok := rc.Local(startKey{}); ok {
				if start, ok := v.(time.Time); ok {
					m.ActionDuration.WithLabelValues(name).Observe(rc.Now().Sub(start).Seconds())
				}
			}
			return nil
		},
		OnEvent: func(rc *core.RunContext, ev core.Event) core.Outcome {
			m.Events.WithLabelValues(ev.Type).Inc()
			if ev.IsError() {
				action, _ := ev.Data["action"].(string)
				m.Faults.WithLabelValues(action, ev.Code()).Inc()
				rc.SetLocal(failedKey{}, true)
			}
			return core.Continue()
		},
		OnAfterRun: func(rc *core.RunContext, _ core.Emitter) error {
			m.Runs.WithLabelValues(outcome(rc)).Inc()
			if s, ok := rc.Suspended(); ok {
				m.Suspensions.WithLabelValues(s.Event.Type).Inc()
			}
			return nil
		},
	}
}

func outcome(rc *core.RunContext) string {
	if _, ok := rc.Suspended(); ok {
		return OutcomeSuspended
	}
	if _, ok := rc.Local(failedKey{}); ok {
		return OutcomeFailed
	}
	if rc.Err() != nil || rc.StreamClosed() {
		return OutcomeCancelled
	}
	return OutcomeCompleted
}
