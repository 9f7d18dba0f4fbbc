package collab

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delta outcomes recorded by Metrics.
const (
	DeltaApplied  = "applied"
	DeltaConflict = "conflict"
	DeltaFailed   = "error"
)

type Metrics struct {
	ActiveSessions     prometheus.Gauge
	ConnectedClients   prometheus.Gauge
	EventsTotal        *prometheus.CounterVec
	EventDuration      *prometheus.HistogramVec
	DeltasTotal        *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec
	SendFailures       prometheus.Counter
	RelayMessages      *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide collaboration metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "coedit_active_sessions",
				Help: "Current number of documents with at least one connected editor",
			}),
			ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "coedit_connected_clients",
				Help: "Current number of authenticated websocket connections",
			}),
			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "coedit_events_total",
				Help: "Inbound protocol events handled",
			}, []string{"event"}),
			EventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "coedit_event_duration_seconds",
				Help:    "Time spent handling an inbound protocol event",
				Buckets: prometheus.DefBuckets,
			}, []string{"event"}),
			DeltasTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "coedit_deltas_total",
				Help: "Document deltas by outcome",
			}, []string{"result"}),
			ProtocolViolations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "coedit_protocol_violations_total",
				Help: "Events dropped because the connection was not in the expected state",
			}, []string{"event"}),
			SendFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "coedit_send_failures_total",
				Help: "Outbound messages that could not be queued for a client",
			}),
			RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "coedit_relay_messages_total",
				Help: "Broadcasts exchanged with other nodes",
			}, []string{"direction"}),
		}
	})
	return metricsInstance
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) clientConnected() {
	if m == nil {
		return
	}
	m.ConnectedClients.Inc()
}

func (m *Metrics) clientDisconnected() {
	if m == nil {
		return
	}
	m.ConnectedClients.Dec()
}

func (m *Metrics) observeEvent(event string, started time.Time) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event).Inc()
	m.EventDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
}

func (m *Metrics) recordDelta(result string) {
	if m == nil {
		return
	}
	m.DeltasTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordViolation(event string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(event).Inc()
}

func (m *Metrics) recordSendFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SendFailures.Add(float64(n))
}

// RecordRelay counts a broadcast published to ("out") or received from
// ("in") another node.
func (m *Metrics) RecordRelay(direction string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction).Inc()
}
