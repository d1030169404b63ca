package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	activeConnections  prometheus.Gauge
	connectionsCreated prometheus.Counter
	connectionsClosed  *prometheus.CounterVec // by reason
	outboundOverflows  prometheus.Counter
	onlineParasites    prometheus.Gauge

	// Frame metrics
	framesReceived *prometheus.CounterVec // by message type
	framesSent     *prometheus.CounterVec // by message type

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec

	// Routing metrics
	messagesRouted  *prometheus.CounterVec // by destination kind
	decryptFailures *prometheus.CounterVec // by layer
}

// NewMetrics registers the server metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parasitechat_active_connections",
				Help: "Current number of live socket connections",
			},
		),
		connectionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parasitechat_connections_created_total",
				Help: "Total number of connections registered",
			},
		),
		connectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parasitechat_connections_closed_total",
				Help: "Total number of connections removed, by reason",
			},
			[]string{"reason"},
		),
		outboundOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parasitechat_outbound_overflows_total",
				Help: "Connections dropped because their outbound queue was full",
			},
		),
		onlineParasites: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parasitechat_online_parasites",
				Help: "Number of parasites with at least one live connection",
			},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parasitechat_frames_received_total",
				Help: "Total number of frames received from clients by type",
			},
			[]string{"type"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parasitechat_frames_sent_total",
				Help: "Total number of frames queued to clients by type",
			},
			[]string{"type"},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parasitechat_broadcast_fanout",
				Help:    "Number of connections that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"scope"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parasitechat_broadcast_duration_seconds",
				Help:    "Time taken to enqueue a broadcast to all recipients",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scope"},
		),
		messagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parasitechat_messages_routed_total",
				Help: "Total number of chat messages persisted and fanned out",
			},
			[]string{"kind"},
		),
		decryptFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parasitechat_decrypt_failures_total",
				Help: "Payloads that failed to decrypt",
			},
			[]string{"layer"}, // "transport" or "at_rest"
		),
	}
}

// RecordConnectionAdded updates the gauges after a connection was registered
func (m *Metrics) RecordConnectionAdded(connections, online int) {
	if m == nil {
		return
	}
	m.connectionsCreated.Inc()
	m.activeConnections.Set(float64(connections))
	m.onlineParasites.Set(float64(online))
}

// RecordConnectionRemoved updates the gauges after a connection was removed
func (m *Metrics) RecordConnectionRemoved(reason string, connections, online int) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(reason).Inc()
	m.activeConnections.Set(float64(connections))
	m.onlineParasites.Set(float64(online))
}

// RecordOutboundOverflow counts a connection dropped for a full queue
func (m *Metrics) RecordOutboundOverflow() {
	if m == nil {
		return
	}
	m.outboundOverflows.Inc()
}

// RecordFrameReceived increments the received counter for a type
func (m *Metrics) RecordFrameReceived(messageType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(messageType).Inc()
}

// RecordFrameSent increments the sent counter for a type
func (m *Metrics) RecordFrameSent(messageType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(messageType).Inc()
}

// RecordBroadcast records fanout and duration of one broadcast
func (m *Metrics) RecordBroadcast(scope string, recipients int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(scope).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(scope).Observe(durationSeconds)
}

// RecordMessageRouted increments the routed counter for a destination kind
func (m *Metrics) RecordMessageRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(kind).Inc()
}

// RecordDecryptFailure increments the decrypt failure counter for a layer
func (m *Metrics) RecordDecryptFailure(layer string) {
	if m == nil {
		return
	}
	m.decryptFailures.WithLabelValues(layer).Inc()
}
