package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riddleflow"

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// GradingMetrics collects grading worker metrics. A nil receiver records nothing.
type GradingMetrics struct {
	verdicts        *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec
	requeues        *prometheus.CounterVec
	discarded       *prometheus.CounterVec
}

func NewGradingMetrics(reg prometheus.Registerer) *GradingMetrics {
	m := &GradingMetrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "verdicts_total",
			Help:      "Verdicts produced by the evaluator, by kind.",
		}, []string{"kind"}),
		sandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one sandbox run, container lifetime included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "requeues_total",
			Help:      "Evaluation jobs republished after an infrastructure failure.",
		}, []string{"target"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "discarded_jobs_total",
			Help:      "Evaluation jobs dropped without grading.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.verdicts, m.sandboxDuration, m.requeues, m.discarded)
	return m
}

func (m *GradingMetrics) ObserveVerdict(kind string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(kind).Inc()
}

func (m *GradingMetrics) ObserveSandbox(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveRequeue counts a republish to the retry topic ("retry") or dead letter ("dead_letter").
func (m *GradingMetrics) ObserveRequeue(target string) {
	if m == nil {
		return
	}
	m.requeues.WithLabelValues(target).Inc()
}

func (m *GradingMetrics) ObserveDiscard(reason string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(reason).Inc()
}

// SchedulerMetrics collects lifecycle scheduler metrics. A nil receiver records nothing.
type SchedulerMetrics struct {
	ticks       *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	badRows     *prometheus.CounterVec
	tickSeconds prometheus.Histogram
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks that ran, by result.",
		}, []string{"result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_ticks_total",
			Help:      "Scheduler ticks that did not run, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions applied, by entity kind and target status.",
		}, []string{"entity", "status"}),
		badRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_rows_total",
			Help:      "Rows skipped because their time window is unusable.",
		}, []string{"entity"}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.ticks, m.skipped, m.transitions, m.badRows, m.tickSeconds)
	return m
}

func (m *SchedulerMetrics) ObserveTick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickSeconds.Observe(d.Seconds())
}

func (m *SchedulerMetrics) ObserveSkip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *SchedulerMetrics) ObserveTransition(entity, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, status).Inc()
}

func (m *SchedulerMetrics) ObserveBadRow(entity string) {
	if m == nil {
		return
	}
	m.badRows.WithLabelValues(entity).Inc()
}
