package postoffice

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts post office traffic. A nil *Metrics records nothing, and
// one instance may be shared by every post office in a process.
type Metrics struct {
	framesSent       prometheus.Counter
	framesReceived   prometheus.Counter
	framesDropped    *prometheus.CounterVec
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	openMailboxes    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "kapsel"
	}
	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "frames_sent_total",
			Help:      "Frames written to the transport",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "frames_received_total",
			Help:      "Valid frames read from the transport",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or byte runs discarded, by reason",
		}, []string{"reason"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "messages_sent_total",
			Help:      "Messages sent on any mailbox",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "messages_received_total",
			Help:      "Messages delivered to a mailbox queue",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the transport including frame headers",
		}),
		openMailboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "open_mailboxes",
			Help:      "Mailboxes currently open",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesSent, m.framesReceived, m.framesDropped,
			m.messagesSent, m.messagesReceived, m.bytesSent, m.openMailboxes,
		)
	}
	return m
}

func (m *Metrics) sent(frames, bytes int) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.framesSent.Add(float64(frames))
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) frameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) mailboxOpened() {
	if m == nil {
		return
	}
	m.openMailboxes.Inc()
}

func (m *Metrics) mailboxClosed() {
	if m == nil {
		return
	}
	m.openMailboxes.Dec()
}
