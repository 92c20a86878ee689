// Package metrics turns a Model's lifecycle events into Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"io"

	"github.com/asaidimu/go-sqlm/core/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Collector counts calls and their latency per operation and binding. Exec
// calls are labelled with operation "exec" and an empty binding.
type Collector struct {
	registry *prometheus.Registry

	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Bindings prometheus.Gauge
	Filters  *prometheus.CounterVec

	model *model.Model
	subs  []string
}

// New creates a Collector with its own registry. namespace prefixes every
// metric name and may be empty.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Completed binding invocations and raw executions by outcome.",
			},
			[]string{"operation", "binding", "outcome"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Time from call start to the executor's callback.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "binding"},
		),
		Bindings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bindings",
			Help:      "Bindings declared on the observed model.",
		}),
		Filters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filters_registered_total",
				Help:      "Filters registered per field.",
			},
			[]string{"field"},
		),
	}
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Attach subscribes the collector to m's events. Bindings and filters declared
// before Attach are not counted. Attaching twice replaces the first attachment.
func (c *Collector) Attach(m *model.Model) {
	c.Detach()
	c.model = m

	on := func(event model.EventType, fn func(model.Event)) {
		id := m.RegisterSubscription(model.RegisterSubscriptionOptions{
			Event: event,
			Callback: func(_ context.Context, e model.Event) error {
				fn(e)
				return nil
			},
		})
		c.subs = append(c.subs, id)
	}

	on(model.InvokeSuccess, func(e model.Event) { c.observe(e, OutcomeSuccess) })
	on(model.InvokeFailed, func(e model.Event) { c.observe(e, OutcomeFailed) })
	on(model.ExecSuccess, func(e model.Event) { c.observe(e, OutcomeSuccess) })
	on(model.ExecFailed, func(e model.Event) { c.observe(e, OutcomeFailed) })
	on(model.BindingDeclare, func(model.Event) { c.Bindings.Inc() })
	on(model.FilterRegister, func(e model.Event) { c.Filters.WithLabelValues(label(e.Binding)).Inc() })
}

// Detach removes the subscriptions made by Attach.
func (c *Collector) Detach() {
	if c.model == nil {
		return
	}
	for _, id := range c.subs {
		c.model.UnregisterSubscription(id)
	}
	c.subs = nil
	c.model = nil
}

func (c *Collector) observe(e model.Event, outcome string) {
	name := label(e.Binding)
	if e.Duration != nil {
		c.Duration.WithLabelValues(e.Operation, name).Observe(float64(*e.Duration) / 1000)
	}
	c.Calls.WithLabelValues(e.Operation, name, outcome).Inc()
}

// WriteText writes every metric in the Prometheus text format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func label(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
