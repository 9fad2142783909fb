package mqtt

import "github.com/prometheus/client_golang/prometheus"

// metrics is the optional set of prometheus collectors a driver reports
// through, grounded in ZindGH/MQTT-Server's internal/metrics package but
// instantiated per-client against a caller-supplied Registerer instead of
// promauto globals, since more than one Client can exist in a process.
type metrics struct {
	reconnects      prometheus.Counter
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

// newMetrics builds and registers the collectors with reg, or returns nil
// if reg is nil (metrics are purely additive instrumentation).
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_client_reconnects_total",
			Help: "Total number of times the client has reconnected to the broker.",
		}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_client_packets_sent_total",
			Help: "Total number of MQTT control packets written to the broker, by type.",
		}, []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_client_packets_received_total",
			Help: "Total number of MQTT control packets read from the broker, by type.",
		}, []string{"type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_client_publishes_inflight",
			Help: "Number of outgoing QoS 1/2 publishes awaiting final acknowledgment.",
		}),
	}

	reg.MustRegister(m.reconnects, m.packetsSent, m.packetsReceived, m.inFlight)
	return m
}

func (m *metrics) sent(packetType string) {
	if m != nil {
		m.packetsSent.WithLabelValues(packetType).Inc()
	}
}

func (m *metrics) received(packetType string) {
	if m != nil {
		m.packetsReceived.WithLabelValues(packetType).Inc()
	}
}

func (m *metrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *metrics) setInFlight(n int) {
	if m != nil {
		m.inFlight.Set(float64(n))
	}
}
