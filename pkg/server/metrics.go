package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/s3rat/s3rat/pkg/message"
)

const metricsNamespace = "s3rat_server"

// Metrics counts the server's work. The server opens no listener, so the
// registry is exported by writing a node exporter textfile.
type Metrics struct {
	registry *prometheus.Registry

	cycles    prometheus.Counter
	commands  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	results   prometheus.Counter
	lastCycle prometheus.Gauge
}

// NewMetrics registers the server's collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_cycles_total",
			Help:      "Number of session polls performed.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Number of new objects handled, by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "command_failures_total",
			Help:      "Number of commands that failed or timed out, by kind.",
		}, []string{"kind"}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "results_published_total",
			Help:      "Number of result objects uploaded.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_poll_timestamp_seconds",
			Help:      "Unix time of the most recent completed poll.",
		}),
	}
	m.registry.MustRegister(m.cycles, m.commands, m.failures, m.results, m.lastCycle)
	return m
}

func (m *Metrics) cycle(at time.Time) {
	m.cycles.Inc()
	m.lastCycle.Set(float64(at.Unix()))
}

func (m *Metrics) command(kind message.Kind) {
	m.commands.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) failure(kind message.Kind) {
	m.failures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) result() {
	m.results.Inc()
}

// WriteTextfile atomically replaces path with the current metric values.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
