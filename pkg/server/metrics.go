package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus metrics for one server.
type metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	documentsActive     prometheus.Gauge
	messagesReceived    *prometheus.CounterVec
	messagesSent        prometheus.Counter
	bytesReceived       prometheus.Counter
	bytesSent           prometheus.Counter
	applyErrors         prometheus.Counter
	hookDuration        *prometheus.HistogramVec
}

func newMetrics(registry prometheus.Registerer) *metrics {
	factory := promauto.With(registry)
	const ns = "hocuspocus"

	return &metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections_active",
			Help:      "Number of open document connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_total",
			Help:      "Total number of document connections established",
		}),
		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_rejected_total",
			Help:      "Sockets closed during admission",
		}, []string{"reason"}),
		documentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "documents_active",
			Help:      "Number of documents held in memory",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_received_total",
			Help:      "Messages received by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_sent_total",
			Help:      "Messages written to clients",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "received_bytes_total",
			Help:      "Bytes received from clients",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to clients",
		}),
		applyErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "apply_errors_total",
			Help:      "Remote updates the document engine failed to apply",
		}),
		hookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "hook_duration_seconds",
			Help:      "Duration of hook chains by hook and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hook", "outcome"}),
	}
}

func (m *metrics) observeHook(name string, outcome Outcome, d time.Duration) {
	m.hookDuration.WithLabelValues(name, outcome.String()).Observe(d.Seconds())
}

func (m *metrics) reject(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *metrics) sent(n int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(n))
}
