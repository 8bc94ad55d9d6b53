// Package metrics exposes saga progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a sagaorch.Observer that records saga and step counters.
type Metrics struct {
	SagasStarted  *prometheus.CounterVec
	SagasFinished *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	StepAttempts  *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	registerer    prometheus.Registerer
	gatherer      prometheus.Gatherer
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaorch_sagas_started_total",
			Help: "Sagas started by type.",
		}, []string{"saga_type"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaorch_sagas_finished_total",
			Help: "Sagas that reached a terminal status, by type and status.",
		}, []string{"saga_type", "status"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaorch_saga_transitions_total",
			Help: "Saga status transitions.",
		}, []string{"saga_type", "from", "to"}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaorch_step_attempts_total",
			Help: "Resolved step attempts by step, kind and outcome.",
		}, []string{"saga_type", "step", "kind", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaorch_step_duration_seconds",
			Help:    "Duration of one participant invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type", "kind"}),
		registerer: registerer,
		gatherer:   gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.Transitions,
		m.StepAttempts,
		m.StepDuration,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SagaStarted(view sagaorch.StatusView) {
	m.SagasStarted.WithLabelValues(view.SagaType).Inc()
}

func (m *Metrics) StepAttempted(sagaType string, rec sagaorch.StepExecutionRecord, elapsed time.Duration) {
	if rec.Outcome == sagaorch.RecordPending {
		return
	}
	m.StepAttempts.WithLabelValues(sagaType, rec.StepName, string(rec.Kind), string(rec.Outcome)).Inc()
	m.StepDuration.WithLabelValues(sagaType, string(rec.Kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) SagaTransitioned(view sagaorch.StatusView, from sagaorch.Status) {
	if from == view.Status {
		return
	}
	m.Transitions.WithLabelValues(view.SagaType, from.String(), view.Status.String()).Inc()
	if view.Status.IsTerminal() {
		m.SagasFinished.WithLabelValues(view.SagaType, view.Status.String()).Inc()
	}
}

// IncompleteLister is the part of sagaorch.Store read by the incomplete
// sagas gauge.
type IncompleteLister interface {
	ListIncomplete(ctx context.Context) ([]*sagaorch.SagaInstance, error)
}

// CountIncomplete registers sagaorch_sagas_incomplete, read from store on
// every scrape. The store is shared by every replica, so the gauge holds for
// the whole deployment no matter which process started or finished a saga.
func (m *Metrics) CountIncomplete(store IncompleteLister) error {
	return m.registerer.Register(&incompleteCollector{
		store:   store,
		timeout: 5 * time.Second,
		desc: prometheus.NewDesc("sagaorch_sagas_incomplete",
			"Sagas not yet terminal in the store, by type and status.",
			[]string{"saga_type", "status"}, nil),
	})
}

type incompleteCollector struct {
	store   IncompleteLister
	timeout time.Duration
	desc    *prometheus.Desc
}

func (c *incompleteCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *incompleteCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	instances, err := c.store.ListIncomplete(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	type key struct{ sagaType, status string }
	counts := map[key]int{}
	for _, inst := range instances {
		counts[key{inst.SagaType, inst.Status.String()}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), k.sagaType, k.status)
	}
}

var _ sagaorch.Observer = (*Metrics)(nil)
