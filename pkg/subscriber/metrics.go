package subscriber

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pubsub_subscriber"

// Metrics holds the counters and gauges shared by every Connection under
// one Supervisor. A single instance is registered once per Supervisor
// and handed to each Connection, so per-connection activity aggregates
// into subscription-wide totals.
type Metrics struct {
	messagesReceived prometheus.Counter
	acksSent         prometheus.Counter
	nacksSent        prometheus.Counter
	reconnects       prometheus.Counter

	flowControlBlocked    prometheus.Counter
	outstandingMessages   prometheus.Gauge
	outstandingBytes      prometheus.Gauge
	streamAckDeadline     prometheus.Gauge
	activeConnections     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messagesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages delivered to the handler.",
		}),
		acksSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acks_sent_total",
			Help:      "Total number of messages the handler acked, counted when the ack is queued for the next flush.",
		}),
		nacksSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nacks_sent_total",
			Help:      "Total number of messages the handler nacked or failed, counted when the nack (zero-extension modify-ack-deadline) is queued for the next flush.",
		}),
		reconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Total number of times a connection reopened its stream after a retryable error.",
		}),
		flowControlBlocked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flow_control_blocked_total",
			Help:      "Total number of Reserve calls that had to wait for capacity.",
		}),
		outstandingMessages: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "outstanding_messages",
			Help:      "Current number of messages reserved against the flow controller.",
		}),
		outstandingBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "outstanding_bytes",
			Help:      "Current number of bytes reserved against the flow controller.",
		}),
		streamAckDeadline: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stream_ack_deadline_seconds",
			Help:      "Current stream ack-deadline applied by the Supervisor's adaptive tuning loop.",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Current number of Connections in the Running state.",
		}),
	}
}
