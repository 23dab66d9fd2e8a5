package wsproto

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation a Listener reports through.
// It is not a global: construct one with NewMetrics and register it on
// whichever *prometheus.Registry the embedding application uses, keeping the
// library safe to instantiate more than once per process.
type Metrics struct {
	HandshakesAccepted prometheus.Counter
	HandshakesRejected prometheus.Counter
	FramesRead         *prometheus.CounterVec
	FramesWritten      *prometheus.CounterVec
	OpenConnections    prometheus.Gauge
}

// NewMetrics builds a Metrics with the given namespace and registers every
// collector on reg. Passing a fresh prometheus.NewRegistry() is the common
// case in tests; prometheus.DefaultRegisterer works for a real process.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		HandshakesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_accepted_total",
			Help: "WebSocket handshakes that passed validation.",
		}),
		HandshakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_rejected_total",
			Help: "WebSocket handshakes that failed validation.",
		}),
		FramesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_read_total",
			Help: "Frames read from clients, labeled by opcode.",
		}, []string{"opcode"}),
		FramesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_written_total",
			Help: "Frames written to clients, labeled by opcode.",
		}, []string{"opcode"}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_connections",
			Help: "Currently open WebSocket connections.",
		}),
	}
	reg.MustRegister(m.HandshakesAccepted, m.HandshakesRejected, m.FramesRead, m.FramesWritten, m.OpenConnections)
	return m
}

func (m *Metrics) recvFrame(op OpCode) {
	if m == nil {
		return
	}
	m.FramesRead.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) sentFrame(op OpCode) {
	if m == nil {
		return
	}
	m.FramesWritten.WithLabelValues(op.String()).Inc()
}
