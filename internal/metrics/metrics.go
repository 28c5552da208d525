// Package metrics holds the Prometheus collectors for the daemon. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nous-labs/contextd/pkg/action"
	"github.com/nous-labs/contextd/pkg/window"
	"github.com/nous-labs/contextd/pkg/worker"
)

const namespace = "contextd"

// Metrics is the set of daemon collectors.
type Metrics struct {
	messages       *prometheus.CounterVec
	sweeps         prometheus.Counter
	sweepErrors    prometheus.Counter
	sweepDuration  prometheus.Histogram
	contextsClosed *prometheus.CounterVec
	pruned         prometheus.Counter
	jobs           *prometheus.CounterVec
	retries        prometheus.Counter
	deadLetters    prometheus.Counter
	actions        *prometheus.CounterVec
	analysis       *prometheus.HistogramVec
	openContexts   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by result (appended, opened, duplicate, error).",
		}, []string{"result"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed window sweeps.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Per-context errors during window sweeps.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of window sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		contextsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_closed_total",
			Help:      "Contexts closed by the sweep, by outcome (enqueued, discarded).",
		}, []string{"outcome"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_pruned_total",
			Help:      "History rows and action markers removed by retention.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Processed dispatch jobs by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Dispatch jobs rescheduled after a failure.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dispatch jobs dead-lettered.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Dispatched task records by kind and result (executed, skipped, failed).",
		}, []string{"kind", "result"}),
		analysis: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Latency of analysis calls by result.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}, []string{"result"}),
		openContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_contexts",
			Help:      "Contexts still accepting messages at the last sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.messages, m.sweeps, m.sweepErrors, m.sweepDuration, m.contextsClosed, m.pruned,
		m.jobs, m.retries, m.deadLetters, m.actions, m.analysis, m.openContexts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on error.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// Message records one ingest attempt.
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Sweep records a finished window sweep.
func (m *Metrics) Sweep(r *window.Report) {
	if m == nil || r == nil {
		return
	}
	m.sweeps.Inc()
	if d, err := time.ParseDuration(r.Duration); err == nil {
		m.sweepDuration.Observe(d.Seconds())
	}
	m.sweepErrors.Add(float64(len(r.Errors)))
	m.contextsClosed.WithLabelValues("enqueued").Add(float64(r.Closed))
	m.contextsClosed.WithLabelValues("discarded").Add(float64(r.Discarded))
	m.pruned.Add(float64(r.Pruned))
}

// OpenContexts sets the OPEN context gauge.
func (m *Metrics) OpenContexts(n int) {
	if m == nil {
		return
	}
	m.openContexts.Set(float64(n))
}

// Job records a processed job.
func (m *Metrics) Job(r worker.Result) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(r.Outcome)).Inc()
}

// Retry records a rescheduled job.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// DeadLetter records a dead-lettered job.
func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// Action records one dispatched record.
func (m *Metrics) Action(o action.Outcome) {
	if m == nil {
		return
	}
	result := "executed"
	switch {
	case o.Err != nil:
		result = "failed"
	case o.Skipped:
		result = "skipped"
	}
	m.actions.WithLabelValues(string(o.Kind), result).Inc()
}

// Analysis records one analysis call.
func (m *Metrics) Analysis(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.analysis.WithLabelValues(result).Observe(d.Seconds())
}
