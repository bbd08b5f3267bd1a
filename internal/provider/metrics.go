package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks provider activity. A nil *Metrics records nothing.
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	recycles   *prometheus.CounterVec
	packages   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "kapsel"
	}
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "executions_total",
			Help:      "Plugin executions by package and outcome",
		}, []string{"package", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "execution_seconds",
			Help:      "Plugin execution latency seen by the host",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"package"}),
		recycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "recycles_total",
			Help:      "Containers replaced, by package and reason",
		}, []string{"package", "reason"}),
		packages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "loaded_packages",
			Help:      "Packages currently mapped to a container",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.duration, m.recycles, m.packages)
	}
	return m
}

func (m *Metrics) executed(pkg string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.executions.WithLabelValues(pkg, outcome).Inc()
	m.duration.WithLabelValues(pkg).Observe(took.Seconds())
}

func (m *Metrics) recycled(pkg, reason string) {
	if m == nil {
		return
	}
	m.recycles.WithLabelValues(pkg, reason).Inc()
}

func (m *Metrics) setPackages(n int) {
	if m == nil {
		return
	}
	m.packages.Set(float64(n))
}
