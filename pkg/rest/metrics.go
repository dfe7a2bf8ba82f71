package rest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scturtle/usblink/pkg/dataconn"
)

const namespace = "usblink"

// Metrics exports session events as prometheus counters. It implements
// dataconn.Observer.
type Metrics struct {
	registry *prometheus.Registry

	frames      *prometheus.CounterVec
	acks        prometheus.Counter
	bytes       prometheus.Counter
	files       *prometheus.CounterVec
	errors      *prometheus.CounterVec
	connections prometheus.Counter
	connected   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Valid frame headers received, by type.",
		}, []string{"type"}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Acknowledgements sent.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "File data bytes received and stored.",
		}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files finished, by result.",
		}, []string{"result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Protocol errors, by kind.",
		}, []string{"kind"}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Peer connections accepted.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether a peer is currently connected.",
		}),
	}
	m.registry.MustRegister(m.frames, m.acks, m.bytes, m.files, m.errors, m.connections, m.connected)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FrameReceived(t dataconn.Type) {
	m.frames.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) AckSent() {
	m.acks.Inc()
}

func (m *Metrics) DataReceived(n int) {
	m.bytes.Add(float64(n))
}

func (m *Metrics) FileCompleted(name string, size int64) {
	m.files.WithLabelValues("completed").Inc()
}

func (m *Metrics) FileAbandoned(name string, kind dataconn.ErrorKind) {
	m.files.WithLabelValues("abandoned").Inc()
}

func (m *Metrics) ProtocolError(kind dataconn.ErrorKind) {
	m.errors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Connected() {
	m.connections.Inc()
	m.connected.Set(1)
}

func (m *Metrics) Disconnected() {
	m.connected.Set(0)
}
