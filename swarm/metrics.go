package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the kernel's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so callers without a registry skip the
// whole concern.
type Metrics struct {
	inflightTasks     prometheus.Gauge
	taskDuration      *prometheus.HistogramVec
	retriesTotal      prometheus.Counter
	compensationsRun  prometheus.Counter
	workflowsTerminal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them. A nil registerer
// defaults to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		inflightTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmlite",
			Name:      "inflight_tasks",
			Help:      "Tasks currently executing.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swarmlite",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of task attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmlite",
			Name:      "task_retries_total",
			Help:      "Task attempts scheduled after a transient failure.",
		}),
		compensationsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmlite",
			Name:      "compensations_total",
			Help:      "Compensation handler executions.",
		}),
		workflowsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmlite",
			Name:      "workflows_terminal_total",
			Help:      "Workflows reaching a terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.inflightTasks, m.taskDuration, m.retriesTotal, m.compensationsRun, m.workflowsTerminal)
	return m
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.inflightTasks.Inc()
}

func (m *Metrics) taskFinished(taskType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.inflightTasks.Dec()
	m.taskDuration.WithLabelValues(taskType, outcome).Observe(seconds)
}

func (m *Metrics) retryScheduled() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) compensationRan() {
	if m == nil {
		return
	}
	m.compensationsRun.Inc()
}

func (m *Metrics) workflowTerminal(status WorkflowStatus) {
	if m == nil {
		return
	}
	m.workflowsTerminal.WithLabelValues(string(status)).Inc()
}
