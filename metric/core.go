package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetstream"

// Metrics contains the pipeline metrics shared by all components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Transport multiplexer
	ConnectionState  prometheus.Gauge
	StateTransitions *prometheus.CounterVec
	MessagesReceived prometheus.Counter
	CallbacksInvoked prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	Subjects         prometheus.Gauge

	// Normalizer
	TelemetryProcessed *prometheus.CounterVec

	// State store
	EntitiesTracked   prometheus.Gauge
	EntitiesConnected prometheus.Gauge

	// Geofence
	ZoneEvaluations *prometheus.CounterVec
	GeometryFaults  prometheus.Counter
}

// NewMetrics creates the pipeline metrics. They are registered by NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"state"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Messages delivered by the transport",
		}),
		CallbacksInvoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "callbacks_invoked_total",
			Help:      "Subscriber callback invocations",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by result (sent, queued, flushed, dropped, failed)",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Outbound messages waiting for a connection",
		}),
		Subjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "subjects",
			Help:      "Subjects with at least one subscriber",
		}),
		TelemetryProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "processed_total",
			Help:      "Telemetry payloads by format and status (accepted, rejected)",
		}, []string{"format", "status"}),
		EntitiesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entities",
			Help:      "Entities present in the state store",
		}),
		EntitiesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entities_connected",
			Help:      "Entities that have reported telemetry at least once",
		}),
		ZoneEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "evaluations_total",
			Help:      "Geofence evaluations by operation",
		}, []string{"operation"}),
		GeometryFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "geometry_faults_total",
			Help:      "Zones skipped because their geometry could not be used",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState,
		m.StateTransitions,
		m.MessagesReceived,
		m.CallbacksInvoked,
		m.MessagesSent,
		m.QueueDepth,
		m.Subjects,
		m.TelemetryProcessed,
		m.EntitiesTracked,
		m.EntitiesConnected,
		m.ZoneEvaluations,
		m.GeometryFaults,
	}
}

// RecordConnectionState records a state transition. state is the numeric gauge value.
func (m *Metrics) RecordConnectionState(name string, state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
	m.StateTransitions.WithLabelValues(name).Inc()
}

// RecordReceived increments received messages and the callbacks invoked for them.
func (m *Metrics) RecordReceived(callbacks int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.CallbacksInvoked.Add(float64(callbacks))
}

// RecordSend increments the outbound counter for result.
func (m *Metrics) RecordSend(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesSent.WithLabelValues(result).Add(float64(n))
}

// RecordQueueDepth sets the outbound queue depth.
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordSubjects sets the number of active subjects.
func (m *Metrics) RecordSubjects(n int) {
	if m == nil {
		return
	}
	m.Subjects.Set(float64(n))
}

// RecordTelemetry increments the normalizer counter.
func (m *Metrics) RecordTelemetry(format string, accepted bool) {
	if m == nil {
		return
	}
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	m.TelemetryProcessed.WithLabelValues(format, status).Inc()
}

// RecordEntities sets the store gauges.
func (m *Metrics) RecordEntities(total, connected int) {
	if m == nil {
		return
	}
	m.EntitiesTracked.Set(float64(total))
	m.EntitiesConnected.Set(float64(connected))
}

// RecordZoneEvaluation increments the evaluation counter for operation.
func (m *Metrics) RecordZoneEvaluation(operation string) {
	if m == nil {
		return
	}
	m.ZoneEvaluations.WithLabelValues(operation).Inc()
}

// RecordGeometryFault increments the skipped-zone counter.
func (m *Metrics) RecordGeometryFault() {
	if m == nil {
		return
	}
	m.GeometryFaults.Inc()
}
