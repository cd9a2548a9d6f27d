// Package metrics holds the Prometheus collectors for the orchestration core.
//
// All metrics are prefixed with "codeagent_". A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
//
// Metrics:
//   - codeagent_bus_messages_sent_total{kind}
//   - codeagent_bus_deliveries_total{result}    - "delivered", "failed", "dropped"
//   - codeagent_bus_delivery_retries_total
//   - codeagent_bus_queue_depth
//   - codeagent_tasks_created_total{type}
//   - codeagent_tasks_finished_total{type,status}
//   - codeagent_task_duration_seconds{type}
//   - codeagent_decisions_total{category,source}
//   - codeagent_workflows_total{status}
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryRetries  prometheus.Counter
	QueueDepth       prometheus.Gauge
	TasksCreated     *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	WorkflowsOutcome *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_bus_messages_sent_total",
				Help: "Messages accepted onto the bus queue",
			},
			[]string{"kind"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_bus_deliveries_total",
				Help: "Handler deliveries by outcome",
			},
			[]string{"result"},
		),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codeagent_bus_delivery_retries_total",
			Help: "Handler redelivery attempts after a failure",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codeagent_bus_queue_depth",
			Help: "Messages waiting in the bus queue",
		}),
		TasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_tasks_created_total",
				Help: "Tasks created by type",
			},
			[]string{"type"},
		),
		TasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_tasks_finished_total",
				Help: "Tasks reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeagent_task_duration_seconds",
				Help:    "Time from task creation or start to completion",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"type"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_decisions_total",
				Help: "Remediation decisions by category and deciding tier",
			},
			[]string{"category", "source"},
		),
		WorkflowsOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_workflows_total",
				Help: "Finished workflows by status",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesSent,
			m.Deliveries,
			m.DeliveryRetries,
			m.QueueDepth,
			m.TasksCreated,
			m.TasksFinished,
			m.TaskDuration,
			m.Decisions,
			m.WorkflowsOutcome,
		)
	}
	return m
}

func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.DeliveryRetries.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) TaskCreated(taskType string) {
	if m == nil {
		return
	}
	m.TasksCreated.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskFinished(taskType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(taskType, status).Inc()
	if seconds >= 0 {
		m.TaskDuration.WithLabelValues(taskType).Observe(seconds)
	}
}

func (m *Metrics) Decision(category, source string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(category, source).Inc()
}

func (m *Metrics) Workflow(status string) {
	if m == nil {
		return
	}
	m.WorkflowsOutcome.WithLabelValues(status).Inc()
}
