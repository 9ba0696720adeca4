// Package metrics provides prometheus instrumentation for the runtime:
// bus traffic, agent loop rounds, tool executions, and scheduler fires.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's prometheus collectors. All methods are safe
// to call on a nil receiver so components can run uninstrumented in tests.
type Metrics struct {
	registry          prometheus.Registerer
	inboundPublished  *prometheus.CounterVec
	inboundDropped    *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	outboundDelivered *prometheus.CounterVec
	loopRounds        prometheus.Histogram
	toolExecutions    *prometheus.CounterVec
	schedulerFires    *prometheus.CounterVec
}

// New registers the runtime collectors on reg. Passing nil registers on the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		inboundPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_inbound_published_total",
				Help:      "Inbound envelopes accepted by the bus",
			},
			[]string{"origin"},
		),
		inboundDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_inbound_dropped_total",
				Help:      "Inbound envelopes rejected due to queue overflow",
			},
			[]string{"origin"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_queue_depth",
				Help:      "Envelopes currently queued across all sessions",
			},
		),
		outboundDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_outbound_delivered_total",
				Help:      "Outbound envelopes handed to channel adapters",
			},
			[]string{"channel", "status"},
		),
		loopRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_loop_rounds",
				Help:      "Model/tool rounds used per inbound turn",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		toolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Tool invocations by outcome",
			},
			[]string{"tool", "status"},
		),
		schedulerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_fires_total",
				Help:      "Cron job fire attempts by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.inboundPublished,
		m.inboundDropped,
		m.queueDepth,
		m.outboundDelivered,
		m.loopRounds,
		m.toolExecutions,
		m.schedulerFires,
	)

	return m
}

// InboundPublished counts an accepted inbound envelope.
func (m *Metrics) InboundPublished(origin string) {
	if m == nil {
		return
	}
	m.inboundPublished.WithLabelValues(origin).Inc()
}

// InboundDropped counts an envelope rejected with overflow.
func (m *Metrics) InboundDropped(origin string) {
	if m == nil {
		return
	}
	m.inboundDropped.WithLabelValues(origin).Inc()
}

// QueueAdd adjusts the total queued-envelope gauge.
func (m *Metrics) QueueAdd(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

// OutboundDelivered counts an outbound delivery attempt.
func (m *Metrics) OutboundDelivered(channel, status string) {
	if m == nil {
		return
	}
	m.outboundDelivered.WithLabelValues(channel, status).Inc()
}

// LoopRounds records how many model/tool rounds one inbound turn used.
func (m *Metrics) LoopRounds(n int) {
	if m == nil {
		return
	}
	m.loopRounds.Observe(float64(n))
}

// ToolExecution counts one tool invocation outcome.
func (m *Metrics) ToolExecution(tool, status string) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
}

// SchedulerFire counts one cron fire attempt result.
func (m *Metrics) SchedulerFire(result string) {
	if m == nil {
		return
	}
	m.schedulerFires.WithLabelValues(result).Inc()
}
